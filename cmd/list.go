package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/gauntlet/internal/suite"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured models and suite tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := suite.Load(cfg.Suite)
			if err != nil {
				return err
			}
			fmt.Println("Models:")
			for _, m := range cfg.Models {
				fmt.Printf("  - %s (%s)\n", m.Name, m.Provider)
			}
			fmt.Printf("\nTests (%s):\n", s.Name)
			for _, t := range s.Tests {
				fmt.Printf("  - %s [%s] evaluator=%s\n", t.ID, t.Task, t.Evaluator.Type)
			}
			return nil
		},
	}
}
