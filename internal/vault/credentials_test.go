package vault

import (
	"testing"

	"github.com/nhiscan-project/nhiscan/internal/config"
)

func TestPrincipalKeysRoundTrip(t *testing.T) {
	v, err := CreateMemoryOnly("passphrase")
	if err != nil {
		t.Fatalf("CreateMemoryOnly: %v", err)
	}
	defer v.Close()

	pair := config.KeyPair{AccessKeyID: "AKIAALICE", SecretAccessKey: "alice-secret"}
	if err := v.PutPrincipalKeys("alice", pair); err != nil {
		t.Fatalf("PutPrincipalKeys: %v", err)
	}

	got, err := v.PrincipalKeys("alice")
	if err != nil {
		t.Fatalf("PrincipalKeys: %v", err)
	}
	if got != pair {
		t.Errorf("got %+v, want %+v", got, pair)
	}

	names := v.Principals()
	if len(names) != 1 || names[0] != "alice" {
		t.Errorf("Principals = %v", names)
	}

	if err := v.DeletePrincipalKeys("alice"); err != nil {
		t.Fatalf("DeletePrincipalKeys: %v", err)
	}
	if len(v.Principals()) != 0 {
		t.Error("entry not removed")
	}
}

func TestMergeIntoPrefersEnvironmentEntries(t *testing.T) {
	v, err := CreateMemoryOnly("passphrase")
	if err != nil {
		t.Fatalf("CreateMemoryOnly: %v", err)
	}
	defer v.Close()

	if err := v.PutPrincipalKeys("alice", config.KeyPair{AccessKeyID: "AKIA-VAULT", SecretAccessKey: "v"}); err != nil {
		t.Fatalf("PutPrincipalKeys: %v", err)
	}
	if err := v.PutPrincipalKeys("bob", config.KeyPair{AccessKeyID: "AKIA-BOB", SecretAccessKey: "b"}); err != nil {
		t.Fatalf("PutPrincipalKeys: %v", err)
	}

	creds := config.Credentials{
		PerPrincipal: map[string]config.KeyPair{
			"alice": {AccessKeyID: "AKIA-ENV", SecretAccessKey: "e"},
		},
	}
	if err := v.MergeInto(&creds); err != nil {
		t.Fatalf("MergeInto: %v", err)
	}

	if creds.PerPrincipal["alice"].AccessKeyID != "AKIA-ENV" {
		t.Error("environment entry must win over the vault entry")
	}
	if creds.PerPrincipal["bob"].AccessKeyID != "AKIA-BOB" {
		t.Error("vault-only entry missing after merge")
	}
}
