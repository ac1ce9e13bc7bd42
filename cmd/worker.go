package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/corpus/internal/robot"
	"github.com/sells-group/corpus/pkg/anthropic"
)

var workerCollection string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the embedded LLM worker against a corpus server",
	Long: "Polls the job surface of a corpus server and executes distillation,\n" +
		"embedding, comparison and classification jobs with hosted models. The\n" +
		"worker has no special access; it sees only what its clearance allows.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		collection := workerCollection
		if collection == "" {
			collection = cfg.Worker.Collection
		}
		if collection == "" {
			return eris.New("a collection is required (--collection or CORPUS_WORKER_COLLECTION)")
		}
		if cfg.Anthropic.Key == "" {
			return eris.New("anthropic API key is required (CORPUS_ANTHROPIC_KEY)")
		}
		if cfg.OpenAI.Key == "" {
			return eris.New("openai API key is required (CORPUS_OPENAI_KEY)")
		}

		exec := robot.NewExecutor(
			anthropic.NewClient(cfg.Anthropic.Key),
			openai.NewClient(cfg.OpenAI.Key),
			cfg.Anthropic.DistillModel,
			cfg.Anthropic.CompareModel,
			cfg.OpenAI.EmbeddingModel,
		)
		client := robot.NewClient(cfg.Worker.ServerURL, cfg.Worker.AuthorID, cfg.Worker.OrgID)
		w := robot.NewWorker(client, exec, collection, "robot", cfg.Worker.PollInterval, cfg.Worker.Concurrency)

		zap.L().Info("worker starting",
			zap.String("server", cfg.Worker.ServerURL),
			zap.String("collection", collection),
			zap.Int("concurrency", cfg.Worker.Concurrency))
		return w.Run(ctx)
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerCollection, "collection", "", "collection to poll (default from config)")
	rootCmd.AddCommand(workerCmd)
}
