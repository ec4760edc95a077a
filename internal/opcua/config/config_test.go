package config

import (
	"os"
	"testing"

	"github.com/alxayo/opcua-sc/internal/opcua/crypto"
)

func TestLoadServerAppliesDefaults(t *testing.T) {
	clearOpcuaEnv(t)
	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if cfg.ListenAddr != ":4840" {
		t.Fatalf("ListenAddr = %q, want :4840", cfg.ListenAddr)
	}
	if cfg.ReceiveBufSize != 8192 {
		t.Fatalf("ReceiveBufSize = %d, want 8192", cfg.ReceiveBufSize)
	}
}

func TestLoadServerReadsOverrides(t *testing.T) {
	clearOpcuaEnv(t)
	t.Setenv("OPCUA_SC_LISTEN_ADDR", ":5840")
	t.Setenv("OPCUA_SC_REVERSE_CLIENT_URLS", "opc.tcp://a:1,opc.tcp://b:2")

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if cfg.ListenAddr != ":5840" {
		t.Fatalf("ListenAddr = %q, want :5840", cfg.ListenAddr)
	}
	if len(cfg.ReverseClientURLs) != 2 {
		t.Fatalf("ReverseClientURLs = %v, want 2 entries", cfg.ReverseClientURLs)
	}
}

func TestLoadClientRequiresEndpointURL(t *testing.T) {
	clearOpcuaEnv(t)
	if _, err := LoadClient(); err == nil {
		t.Fatalf("expected error when OPCUA_SC_ENDPOINT_URL is unset")
	}
	t.Setenv("OPCUA_SC_ENDPOINT_URL", "opc.tcp://127.0.0.1:4840")
	if _, err := LoadClient(); err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
}

func TestSecurityModeValue(t *testing.T) {
	cases := map[string]crypto.SecurityMode{
		"None":           crypto.ModeNone,
		"Sign":           crypto.ModeSign,
		"SignAndEncrypt": crypto.ModeSignAndEncrypt,
	}
	for s, want := range cases {
		got, err := SecurityModeValue(s)
		if err != nil {
			t.Fatalf("SecurityModeValue(%q): %v", s, err)
		}
		if got != want {
			t.Fatalf("SecurityModeValue(%q) = %v, want %v", s, got, want)
		}
	}
	if _, err := SecurityModeValue("Bogus"); err == nil {
		t.Fatalf("expected error for unrecognized mode")
	}
}

// clearOpcuaEnv unsets every OPCUA_SC_* variable so each test starts from a
// clean slate regardless of ambient environment or test execution order.
func clearOpcuaEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key := kv[:i]
				if len(key) > 9 && key[:9] == "OPCUA_SC_" {
					os.Unsetenv(key)
				}
				break
			}
		}
	}
}
