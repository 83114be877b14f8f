package extension

import (
	"testing"
	"time"
)

func TestMergeConfigurations(t *testing.T) {
	defaults := DefaultConfig()

	tests := []struct {
		name         string
		yaml         Config
		programmatic Config
		want         Config
	}{
		{
			name: "defaults fill everything",
			want: defaults,
		},
		{
			name:         "yaml wins over programmatic",
			yaml:         Config{IntentTimeout: 5 * time.Minute},
			programmatic: Config{IntentTimeout: time.Hour, CacheTTL: time.Minute},
			want: Config{
				IntentTimeout: 5 * time.Minute,
				SweepInterval: defaults.SweepInterval,
				PollInterval:  defaults.PollInterval,
				CacheTTL:      time.Minute,
			},
		},
		{
			name:         "programmatic disable migrate sticks",
			programmatic: Config{DisableMigrate: true},
			want: Config{
				DisableMigrate: true,
				IntentTimeout:  defaults.IntentTimeout,
				SweepInterval:  defaults.SweepInterval,
				PollInterval:   defaults.PollInterval,
				CacheTTL:       defaults.CacheTTL,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mergeConfigurations(tt.yaml, tt.programmatic); got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBuildPaywallOptsAppendsPassThrough(t *testing.T) {
	e := New(WithDisableMigrate(), WithPaywallOption(nil))
	e.config = mergeWithDefaults(e.config)

	opts := e.buildPaywallOpts()
	if len(opts) != 6 {
		t.Fatalf("got %d options, want 6", len(opts))
	}
	if opts[len(opts)-1] != nil {
		t.Error("pass-through option should come last")
	}
}
