package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequireEnv(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		value     string
		shouldSet bool
		wantPanic bool
	}{
		{
			name:      "variable set",
			key:       "TEST_VAR",
			value:     "test_value",
			shouldSet: true,
			wantPanic: false,
		},
		{
			name:      "variable not set",
			key:       "TEST_VAR_MISSING",
			shouldSet: false,
			wantPanic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.shouldSet {
				if err := os.Setenv(tt.key, tt.value); err != nil {
					t.Fatalf("failed to set env var: %v", err)
				}
				defer func() {
					if err := os.Unsetenv(tt.key); err != nil {
						t.Errorf("failed to unset env var: %v", err)
					}
				}()
			}

			if tt.wantPanic {
				defer func() {
					if r := recover(); r == nil {
						t.Errorf("requireEnv() should have panicked")
					}
				}()
			}

			result := requireEnv(tt.key)
			if !tt.wantPanic && result != tt.value {
				t.Errorf("requireEnv() = %v, want %v", result, tt.value)
			}
		})
	}
}

func TestRequireEnvInt(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		value     string
		expected  int
		wantPanic bool
	}{
		{
			name:      "valid integer",
			key:       "TEST_INT",
			value:     "42",
			expected:  42,
			wantPanic: false,
		},
		{
			name:      "invalid integer",
			key:       "TEST_INT_INVALID",
			value:     "not_a_number",
			wantPanic: true,
		},
		{
			name:      "missing variable",
			key:       "TEST_INT_MISSING",
			value:     "",
			wantPanic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				if err := os.Setenv(tt.key, tt.value); err != nil {
					t.Fatalf("failed to set env var: %v", err)
				}
				defer func() {
					if err := os.Unsetenv(tt.key); err != nil {
						t.Errorf("failed to unset env var: %v", err)
					}
				}()
			}

			if tt.wantPanic {
				defer func() {
					if r := recover(); r == nil {
						t.Errorf("requireEnvInt() should have panicked")
					}
				}()
			}

			result := requireEnvInt(tt.key)
			if !tt.wantPanic && result != tt.expected {
				t.Errorf("requireEnvInt() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestMustDuration(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      time.Duration
		expected time.Duration
	}{
		{
			name:     "valid duration",
			key:      "TEST_DURATION",
			value:    "5s",
			def:      1 * time.Second,
			expected: 5 * time.Second,
		},
		{
			name:     "invalid duration uses default",
			key:      "TEST_DURATION_INVALID",
			value:    "invalid",
			def:      10 * time.Second,
			expected: 10 * time.Second,
		},
		{
			name:     "missing variable uses default",
			key:      "TEST_DURATION_MISSING",
			value:    "",
			def:      15 * time.Second,
			expected: 15 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				if err := os.Setenv(tt.key, tt.value); err != nil {
					t.Fatalf("failed to set env var: %v", err)
				}
				defer func() {
					if err := os.Unsetenv(tt.key); err != nil {
						t.Errorf("failed to unset env var: %v", err)
					}
				}()
			}

			result := mustDuration(tt.key, tt.def)
			if result != tt.expected {
				t.Errorf("mustDuration() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestMustBool(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      bool
		expected bool
	}{
		{
			name:     "true value",
			key:      "TEST_BOOL",
			value:    "true",
			def:      false,
			expected: true,
		},
		{
			name:     "false value",
			key:      "TEST_BOOL_FALSE",
			value:    "false",
			def:      true,
			expected: false,
		},
		{
			name:     "invalid value uses default",
			key:      "TEST_BOOL_INVALID",
			value:    "invalid",
			def:      true,
			expected: true,
		},
		{
			name:     "missing variable uses default",
			key:      "TEST_BOOL_MISSING",
			value:    "",
			def:      false,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				if err := os.Setenv(tt.key, tt.value); err != nil {
					t.Fatalf("failed to set env var: %v", err)
				}
				defer func() {
					if err := os.Unsetenv(tt.key); err != nil {
						t.Errorf("failed to unset env var: %v", err)
					}
				}()
			}

			result := mustBool(tt.key, tt.def)
			if result != tt.expected {
				t.Errorf("mustBool() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestSplitAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"empty", "", nil},
		{"single", "hst.example.org", []string{"hst.example.org"}},
		{"spaces and quotes", ` "a.org" , 'b.org',, c.org `, []string{"a.org", "b.org", "c.org"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, splitAndTrim(tt.input))
		})
	}
}

func TestLoadMemoryBackend(t *testing.T) {
	t.Setenv("HSTROUTE_CONFIG_FILE", "/etc/hstroute/hst.yaml")
	t.Setenv("HSTROUTE_CONTEXT", "live")
	t.Setenv("HSTROUTE_CONSISTENCY_TIMEOUT", "250ms")
	t.Setenv("HSTROUTE_ALLOWED_CIDRS", "10.0.0.0/8, 127.0.0.1")
	t.Setenv("HSTROUTE_BACKEND", "")

	cfg := Load()
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, "live", cfg.Context)
	assert.Equal(t, "/hst:hst", cfg.ConfigRoot)
	assert.Equal(t, 250*time.Millisecond, cfg.ConsistencyTimeout)
	assert.Equal(t, 10*time.Millisecond, cfg.ConsistencyPoll)
	assert.Equal(t, 4096, cfg.CacheSize)
	assert.True(t, cfg.ClearCachesOnRebuild)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, cfg.AllowedCIDRS)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadRedisBackend(t *testing.T) {
	t.Setenv("HSTROUTE_BACKEND", "Redis")
	t.Setenv("HSTROUTE_REDIS_ADDR", "localhost:6379")
	t.Setenv("HSTROUTE_REDIS_DB", "2")
	t.Setenv("HSTROUTE_REDIS_PASSWORD_REQUIRED", "false")
	t.Setenv("HSTROUTE_CONFIG_FILE", "")

	cfg := Load()
	assert.Equal(t, BackendRedis, cfg.Backend)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, "hstroute:events", cfg.RedisChannel)
	assert.Equal(t, 30*time.Second, cfg.RedisConnectTimeout)
}

func TestLoadPanics(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"memory backend without file", map[string]string{"HSTROUTE_BACKEND": "memory", "HSTROUTE_CONFIG_FILE": ""}},
		{"unknown backend", map[string]string{"HSTROUTE_BACKEND": "etcd"}},
		{"redis without address", map[string]string{"HSTROUTE_BACKEND": "redis", "HSTROUTE_REDIS_ADDR": ""}},
		{"redis without required password", map[string]string{
			"HSTROUTE_BACKEND":                 "redis",
			"HSTROUTE_REDIS_ADDR":              "localhost:6379",
			"HSTROUTE_REDIS_DB":                "0",
			"HSTROUTE_REDIS_PASSWORD_REQUIRED": "true",
			"HSTROUTE_REDIS_PASSWORD":          "",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Panics(t, func() { Load() })
		})
	}
}
