package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/oxide/internal/config"
	"github.com/haasonsaas/oxide/internal/metrics"
	"github.com/haasonsaas/oxide/internal/runs"
	"github.com/haasonsaas/oxide/internal/semantic/build"
	"github.com/haasonsaas/oxide/internal/service"
	"github.com/haasonsaas/oxide/internal/vectorstore"
)

// runtime bundles the services a command needs.
type runtime struct {
	project *config.Project
	store   *vectorstore.Store
	embed   vectorstore.Embedder
	chat    *service.ChatService
}

func loadRuntime(projectDir string) (*runtime, error) {
	project, err := config.LoadProject(projectDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(project.StatePath(), 0o755); err != nil {
		return nil, err
	}

	store, err := vectorstore.Open(vectorstore.Config{
		Path:      filepath.Join(project.StatePath(), "vectors.db"),
		Dimension: project.Config.Retrieval.Dimension,
	})
	if err != nil {
		return nil, err
	}

	var embedder vectorstore.Embedder
	if modelName := project.Config.Retrieval.EmbeddingModel; modelName != "" {
		model, err := project.ResolveModel(modelName)
		if err != nil {
			return nil, err
		}
		apiKey, err := project.Secrets.Resolve(model.KeyVar)
		if err != nil {
			return nil, err
		}
		embedder = vectorstore.NewOpenAIEmbedder(apiKey, model.APIURL, model.ModelID)
	}

	runsStore, err := runs.Open(filepath.Join(project.StatePath(), "runs.db"), project.Root, "main")
	if err != nil {
		return nil, err
	}

	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)
	chat := service.NewChatService(project, store, embedder, runsStore, recorder)
	return &runtime{project: project, store: store, embed: embedder, chat: chat}, nil
}

func newBuildCmd(projectDir *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the semantic layer and embedding index incrementally",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*projectDir)
			if err != nil {
				return err
			}
			builder := &build.Builder{Project: rt.project, Store: rt.store, Embedder: rt.embed}
			result, err := builder.Build(cmd.Context(), force)
			if err != nil {
				return err
			}
			if result.Detection.IsEmpty() {
				fmt.Println("Nothing to rebuild.")
				return nil
			}
			if result.Detection.RequiresFullRebuild {
				fmt.Printf("Rebuilt semantic layer (%s): %d views, %d topics\n",
					result.Detection.FullRebuildReason, result.ViewCount, result.TopicCount)
			}
			if result.Detection.RequiresEmbeddingRebuild {
				fmt.Printf("Rebuilt embedding index: %d documents\n", result.EmbeddedDocCount)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "force a full rebuild")
	return cmd
}

func newAskCmd(projectDir *string) *cobra.Command {
	var agentRef string
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask an agent a question and stream the answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*projectDir)
			if err != nil {
				return err
			}
			stream, err := rt.chat.Ask(cmd.Context(), service.Request{
				ThreadID: uuid.NewString(),
				AgentRef: agentRef,
				Question: args[0],
			})
			if err != nil {
				return err
			}
			return drainStream(stream)
		},
	}
	cmd.Flags().StringVarP(&agentRef, "agent", "a", "", "agent definition file (*.agent.yml)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newRunCmd(projectDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [workflow-file]",
		Short: "Run a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*projectDir)
			if err != nil {
				return err
			}
			stream, err := rt.chat.Ask(cmd.Context(), service.Request{
				ThreadID:    uuid.NewString(),
				WorkflowRef: args[0],
			})
			if err != nil {
				return err
			}
			return drainStream(stream)
		},
	}
	return cmd
}

// drainStream prints stream events and exits non-zero on error events.
func drainStream(stream <-chan service.AnswerStream) error {
	failed := false
	for event := range stream {
		switch event.Content.Kind {
		case "text":
			fmt.Print(event.Content.Content)
		case "error":
			failed = true
			fmt.Fprintln(os.Stderr, event.Content.Message)
		case "usage":
			fmt.Printf("\n[usage] input=%d output=%d\n",
				event.Content.InputTokens, event.Content.OutputTokens)
		}
	}
	fmt.Println()
	if failed {
		return fmt.Errorf("request failed")
	}
	return nil
}
