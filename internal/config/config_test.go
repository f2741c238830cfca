package config

import (
	"os"
	"path/filepath"
	"testing"
)

func setEnvs(t *testing.T, vars map[string]string) {
	t.Helper()
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Port != "8420" {
			t.Errorf("Port = %q, want 8420", cfg.Port)
		}
		if cfg.Host != "0.0.0.0" {
			t.Errorf("Host = %q, want 0.0.0.0", cfg.Host)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.ReadOnly || cfg.StrictResolve {
			t.Error("boolean flags should default to false")
		}
		if cfg.SeratoRoot == "" {
			t.Error("SeratoRoot should fall back to the platform default")
		}
	})

	t.Run("env_vars_read", func(t *testing.T) {
		setEnvs(t, map[string]string{
			"SERATO_PATH": "/dj/_Serato_",
			"MUSIC_PATHS": "/dj/music,/mnt/usb",
			"PORT":        "9000",
			"READ_ONLY":   "true",
			"RELAY_URL":   "wss://relay.example.com/ws/desktop",
		})
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.SeratoRoot != "/dj/_Serato_" {
			t.Errorf("SeratoRoot = %q", cfg.SeratoRoot)
		}
		if len(cfg.MusicPaths) != 2 || cfg.MusicPaths[1] != "/mnt/usb" {
			t.Errorf("MusicPaths = %v", cfg.MusicPaths)
		}
		if cfg.Addr() != "0.0.0.0:9000" {
			t.Errorf("Addr = %q", cfg.Addr())
		}
		if !cfg.ReadOnly {
			t.Error("READ_ONLY not applied")
		}
		if cfg.RelayURL != "wss://relay.example.com/ws/desktop" {
			t.Errorf("RelayURL = %q", cfg.RelayURL)
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		setEnvs(t, map[string]string{
			"SERATO_PATH": "/env/_Serato_",
			"PORT":        "9000",
		})
		cfg, err := Load(Overrides{
			EnvFile:    "nonexistent.env",
			SeratoRoot: "/cli/_Serato_",
			Port:       "9999",
			LogLevel:   "debug",
			ReadOnly:   true,
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.SeratoRoot != "/cli/_Serato_" {
			t.Errorf("SeratoRoot = %q", cfg.SeratoRoot)
		}
		if cfg.Port != "9999" {
			t.Errorf("Port = %q", cfg.Port)
		}
		if cfg.LogLevel != "debug" || !cfg.ReadOnly {
			t.Errorf("overrides not applied: %+v", cfg)
		}
	})

	t.Run("env_file_loaded", func(t *testing.T) {
		dir := t.TempDir()
		envFile := filepath.Join(dir, ".env")
		if err := os.WriteFile(envFile, []byte("MUSIC_PATH=/from/envfile\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(Overrides{EnvFile: envFile})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.MusicPath != "/from/envfile" {
			t.Errorf("MusicPath = %q, want /from/envfile", cfg.MusicPath)
		}
	})
}

func TestRoots(t *testing.T) {
	cfg := &Config{MusicPaths: []string{"/a"}, MusicPath: "/b"}
	roots := cfg.Roots()
	if len(roots) != 2 || roots[0] != "/a" || roots[1] != "/b" {
		t.Errorf("roots = %v", roots)
	}

	empty := &Config{}
	if len(empty.Roots()) == 0 {
		t.Error("empty config should fall back to the user's Music directory")
	}
}

func TestLoadRelay(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadRelay(RelayOverrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("LoadRelay: %v", err)
		}
		if cfg.Addr != ":8421" {
			t.Errorf("Addr = %q, want :8421", cfg.Addr)
		}
		if cfg.RequestTimeout.Seconds() != 30 {
			t.Errorf("RequestTimeout = %v, want 30s", cfg.RequestTimeout)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		setEnvs(t, map[string]string{"REQUEST_TIMEOUT": "5s"})
		cfg, err := LoadRelay(RelayOverrides{EnvFile: "nonexistent.env", Addr: ":7000"})
		if err != nil {
			t.Fatalf("LoadRelay: %v", err)
		}
		if cfg.Addr != ":7000" || cfg.RequestTimeout.Seconds() != 5 {
			t.Errorf("cfg = %+v", cfg)
		}
	})
}

func TestResolveDeviceID(t *testing.T) {
	t.Run("explicit_id_wins", func(t *testing.T) {
		cfg := &Config{DeviceID: "my-desktop"}
		id, err := cfg.ResolveDeviceID()
		if err != nil || id != "my-desktop" {
			t.Errorf("got %q/%v", id, err)
		}
	})

	t.Run("generated_id_is_stable", func(t *testing.T) {
		// Point the user config dir at a temp location.
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())

		cfg := &Config{}
		first, err := cfg.ResolveDeviceID()
		if err != nil {
			t.Fatalf("first resolve: %v", err)
		}
		second, err := cfg.ResolveDeviceID()
		if err != nil {
			t.Fatalf("second resolve: %v", err)
		}
		if first == "" || first != second {
			t.Errorf("ids differ: %q vs %q", first, second)
		}
	})
}
