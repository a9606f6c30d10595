package credrouter

import (
	"errors"
	"testing"

	"github.com/nhiscan-project/nhiscan/internal/config"
)

func testCredentials() config.Credentials {
	return config.Credentials{
		Region:  "us-east-1",
		Profile: "ops",
		Shared:  config.KeyPair{AccessKeyID: "AKIASHARED", SecretAccessKey: "shared-secret"},
		PerPrincipal: map[string]config.KeyPair{
			"alice": {AccessKeyID: "AKIAALICE", SecretAccessKey: "alice-secret"},
		},
	}
}

func TestResolveShared(t *testing.T) {
	router := New(testCredentials())

	// Shared mode ignores the principal entirely.
	for _, principal := range []string{"", "alice", "nobody"} {
		cs, err := router.Resolve(ModeShared, principal)
		if err != nil {
			t.Fatalf("Resolve(shared, %q): %v", principal, err)
		}
		if cs.AccessKeyID != "AKIASHARED" {
			t.Errorf("shared mode must use the shared key, got %q", cs.AccessKeyID)
		}
		if cs.PrincipalID != "" {
			t.Errorf("shared set carries no principal, got %q", cs.PrincipalID)
		}
	}
}

func TestResolveSecure(t *testing.T) {
	router := New(testCredentials())

	cs, err := router.Resolve(ModeSecure, "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cs.AccessKeyID != "AKIAALICE" || cs.PrincipalID != "alice" {
		t.Errorf("resolved %+v", cs)
	}
	if cs.Profile != "" {
		t.Error("secure mode must never carry the shared profile")
	}
}

func TestResolveSecureFailsClosed(t *testing.T) {
	router := New(testCredentials())

	_, err := router.Resolve(ModeSecure, "bob")
	var nc *NotConfiguredError
	if !errors.As(err, &nc) {
		t.Fatalf("want NotConfiguredError, got %v", err)
	}
	if nc.PrincipalID != "bob" {
		t.Errorf("principal = %q", nc.PrincipalID)
	}

	if _, err := router.Resolve(ModeSecure, ""); err == nil {
		t.Error("secure mode without a principal must fail")
	}
}

func TestResolveSecureRejectsPartialPair(t *testing.T) {
	creds := testCredentials()
	creds.PerPrincipal["carol"] = config.KeyPair{AccessKeyID: "AKIACAROL"}
	router := New(creds)

	var nc *NotConfiguredError
	if _, err := router.Resolve(ModeSecure, "carol"); !errors.As(err, &nc) {
		t.Fatalf("half-configured pair must fail closed, got %v", err)
	}
}

func TestRouterCopiesConfiguration(t *testing.T) {
	creds := testCredentials()
	router := New(creds)

	// Mutating the caller's map after construction must not register
	// new principals.
	creds.PerPrincipal["mallory"] = config.KeyPair{AccessKeyID: "AKIAM", SecretAccessKey: "s"}

	var nc *NotConfiguredError
	if _, err := router.Resolve(ModeSecure, "mallory"); !errors.As(err, &nc) {
		t.Fatalf("router must not see post-construction additions, got %v", err)
	}
}

func TestCredentialSetEnv(t *testing.T) {
	t.Run("key pair preferred over profile", func(t *testing.T) {
		env := CredentialSet{
			Profile:         "ops",
			AccessKeyID:     "AKIA1",
			SecretAccessKey: "s1",
			Region:          "eu-west-1",
		}.Env()
		if env["AWS_ACCESS_KEY_ID"] != "AKIA1" || env["AWS_SECRET_ACCESS_KEY"] != "s1" {
			t.Errorf("env = %v", env)
		}
		if _, ok := env["AWS_PROFILE"]; ok {
			t.Error("profile must not leak alongside an explicit key pair")
		}
		if env["AWS_REGION"] != "eu-west-1" {
			t.Errorf("region = %q", env["AWS_REGION"])
		}
	})

	t.Run("profile only", func(t *testing.T) {
		env := CredentialSet{Profile: "ops", Region: "us-east-1"}.Env()
		if env["AWS_PROFILE"] != "ops" {
			t.Errorf("env = %v", env)
		}
		if _, ok := env["AWS_ACCESS_KEY_ID"]; ok {
			t.Error("no key material configured")
		}
	})
}
