package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/oxide/internal/intent"
)

func newIntentCmd(projectDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intent",
		Short: "Cluster and classify user question intents",
	}

	openManager := func() (*intent.Manager, error) {
		rt, err := loadRuntime(*projectDir)
		if err != nil {
			return nil, err
		}
		return intent.Open(filepath.Join(rt.project.StatePath(), "intents.db"), rt.embed)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "cluster",
			Short: "Recluster all recorded questions",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := openManager()
				if err != nil {
					return err
				}
				defer m.Close()
				clusters, err := m.ClusterAll(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("Clustered into %d groups\n", len(clusters))
				return nil
			},
		},
		&cobra.Command{
			Use:   "classify [question]",
			Short: "Classify a question against learned clusters",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := openManager()
				if err != nil {
					return err
				}
				defer m.Close()
				result, err := m.Classify(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if result.IsOutlier {
					fmt.Printf("outlier (distance %.3f)\n", result.Distance)
				} else {
					fmt.Printf("%s (distance %.3f)\n", result.Label, result.Distance)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "analytics",
			Short: "Show intent analytics",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := openManager()
				if err != nil {
					return err
				}
				defer m.Close()
				a, err := m.Analytics(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("questions=%d clusters=%d outliers=%d pending=%d\n",
					a.TotalQuestions, a.TotalClusters, a.Outliers, a.Pending)
				for label, size := range a.ClusterSizes {
					fmt.Printf("  %s: %d\n", label, size)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "clusters",
			Short: "List learned clusters",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := openManager()
				if err != nil {
					return err
				}
				defer m.Close()
				clusters, err := m.Clusters(cmd.Context())
				if err != nil {
					return err
				}
				for _, c := range clusters {
					fmt.Printf("%s  size=%d  %s\n", c.ID, c.Size, c.Label)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "outliers",
			Short: "List unclustered questions",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := openManager()
				if err != nil {
					return err
				}
				defer m.Close()
				outliers, err := m.Outliers(cmd.Context())
				if err != nil {
					return err
				}
				for _, q := range outliers {
					fmt.Println(q.Text)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "pending",
			Short: "List questions awaiting embedding",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := openManager()
				if err != nil {
					return err
				}
				defer m.Close()
				pending, err := m.Pending(cmd.Context())
				if err != nil {
					return err
				}
				for _, q := range pending {
					fmt.Println(q.Text)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "learn",
			Short: "Embed pending questions and recluster",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := openManager()
				if err != nil {
					return err
				}
				defer m.Close()
				return m.Learn(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "test",
			Short: "Validate the intent configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := openManager()
				if err != nil {
					return err
				}
				defer m.Close()
				if err := m.Test(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			},
		},
	)
	return cmd
}
