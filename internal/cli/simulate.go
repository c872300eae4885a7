package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"signal-fusion/internal/app"
)

var simulateScenario string

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "回放 YAML 场景并打印触发的告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateScenario == "" {
			return errors.New("--scenario 必须提供")
		}
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{ScenarioPath: simulateScenario})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateScenario, "scenario", "", "场景文件路径 (YAML)")
}
