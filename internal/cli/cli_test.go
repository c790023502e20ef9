package cli

import (
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestRootRegistersCommands(t *testing.T) {
	want := []string{"serve", "show", "tickets", "export", "backfill", "status", "simulate-alert", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("command %q not registered: %v", name, err)
		}
	}
}

func TestExportFlagsDescribeLevels(t *testing.T) {
	exportCmd.Flags().VisitAll(func(f *pflag.Flag) {
		if strings.Contains(strings.ToLower(f.Usage), "rate") {
			t.Errorf("--%s usage still mentions rates: %q", f.Name, f.Usage)
		}
	})
	if usage := exportCmd.Flags().Lookup("csv").Usage; !strings.Contains(usage, "cauldron") {
		t.Fatalf("--csv usage = %q", usage)
	}
}

func TestExportRejectsNegativeMaxPoints(t *testing.T) {
	exportMaxPoints = -1
	defer func() { exportMaxPoints = 0 }()

	if err := exportCmd.RunE(exportCmd, nil); err == nil || !strings.Contains(err.Error(), "--max-points") {
		t.Fatalf("expected --max-points error, got %v", err)
	}
}
