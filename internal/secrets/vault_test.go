package secrets_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/companion-dev/companion/internal/secrets"
)

func TestNewVault_InitialLoad(t *testing.T) {
	v, err := secrets.NewVault(func() (map[string]string, error) {
		return map[string]string{"ANTHROPIC_API_KEY": "sk-1"}, nil
	})
	if err != nil {
		t.Fatalf("NewVault failed: %v", err)
	}
	if got := v.Get("ANTHROPIC_API_KEY"); got != "sk-1" {
		t.Fatalf("expected sk-1, got %q", got)
	}
	if got := v.Get("MISSING"); got != "" {
		t.Fatalf("expected empty value for missing key, got %q", got)
	}
}

func TestNewVault_LoaderError(t *testing.T) {
	_, err := secrets.NewVault(func() (map[string]string, error) {
		return nil, errors.New("permission denied")
	})
	if err == nil {
		t.Fatal("expected error from failing loader")
	}
}

func TestVault_EnvIsACopy(t *testing.T) {
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		return map[string]string{"TOKEN": "a"}, nil
	})
	env := v.Env()
	env["TOKEN"] = "mutated"
	if v.Get("TOKEN") != "a" {
		t.Fatal("Env must not alias vault state")
	}
}

func TestVault_Reload(t *testing.T) {
	calls := 0
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		calls++
		switch calls {
		case 1:
			return map[string]string{"TOKEN": "old"}, nil
		case 2:
			return map[string]string{"TOKEN": "new", "EXTRA": "x"}, nil
		}
		return nil, errors.New("unavailable")
	})

	if err := v.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if v.Get("TOKEN") != "new" || v.Len() != 2 {
		t.Fatalf("unexpected values after reload: %v", v.Env())
	}

	if err := v.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if v.Get("TOKEN") != "new" {
		t.Fatal("failed reload must keep previous values")
	}
}

func TestVault_ConcurrentAccess(t *testing.T) {
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		return map[string]string{"K": "v"}, nil
	})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = v.Env()
		}()
		go func() {
			defer wg.Done()
			_ = v.Reload()
		}()
	}
	wg.Wait()
}

func TestEnvLoader(t *testing.T) {
	t.Setenv("COMPANION_TEST_TOKEN", "tok")
	t.Setenv("COMPANION_TEST_EMPTY", "")

	vals, err := secrets.EnvLoader("COMPANION_TEST_TOKEN", "COMPANION_TEST_EMPTY", "COMPANION_TEST_UNSET")()
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 1 || vals["COMPANION_TEST_TOKEN"] != "tok" {
		t.Fatalf("unexpected values %v", vals)
	}
}
