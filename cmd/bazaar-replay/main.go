// Command bazaar-replay feeds a recorded provider stream through the agent
// pipeline and prints the client frames to stdout. Conversation history is
// kept in memory, so a script can be replayed without any backing services.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/agent"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/cache"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/conversation"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/knowledge"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/livesync"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/llm/replay"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/stream"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/tools"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/pkg/logger"
)

type options struct {
	script          string
	entityID        string
	chatID          string
	message         string
	knowledgePath   string
	overloadMessage string
	maxSteps        int
	showHistory     bool
}

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "bazaar-replay <script.jsonl>",
		Short: "Replay a recorded provider stream through the agent pipeline",
		Long: `bazaar-replay plays a JSON Lines script of raw Messages API stream events
through the agent, executing any tool calls, and writes the resulting frames
to stdout exactly as the chat endpoint would stream them.

Examples:
  bazaar-replay configs/replay/sample.jsonl
  bazaar-replay script.jsonl --message "what block are we on?" --knowledge configs/knowledge.yaml
  bazaar-replay script.jsonl --history`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.script = args[0]
			_, err := runReplay(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.entityID, "entity", "replay", "entity id the turn is recorded under")
	flags.StringVar(&opts.chatID, "chat", "replay", "chat id the turn is recorded under")
	flags.StringVarP(&opts.message, "message", "m", "replay", "user message that opens the turn")
	flags.StringVar(&opts.knowledgePath, "knowledge", "", "knowledge base file exposed through knowledge_search")
	flags.StringVar(&opts.overloadMessage, "overload-message", "", "apology streamed when the script ends in overloaded_error")
	flags.IntVar(&opts.maxSteps, "max-steps", 5, "maximum model calls in the turn")
	flags.BoolVar(&opts.showHistory, "history", false, "print the recorded conversation to stderr afterwards")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "bazaar-replay: %v\n", err)
		os.Exit(1)
	}
}

// runReplay 执行一次回放，帧写入 out，摘要与历史写入 diag。
func runReplay(ctx context.Context, opts options, out, diag io.Writer) (*agent.TurnResult, error) {
	if err := logger.Init(logger.Config{Level: "warn", Format: "text", OutputPaths: []string{"stderr"}}); err != nil {
		return nil, err
	}

	client, err := replay.Load(opts.script)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	if opts.knowledgePath != "" {
		provider, err := knowledge.LoadStaticProvider(opts.knowledgePath, 0)
		if err != nil {
			return nil, err
		}
		registry.MustRegister(tools.KnowledgeSearch(provider))
	}

	records := cache.New[string, livesync.Record](10*time.Minute, 0)
	defer records.Close()
	live := livesync.NewMemoryStore(records)
	queue := livesync.NewQueue(live, livesync.WithShards(1, 1024))
	defer queue.Close(context.Background())

	recorder := conversation.NewMemoryRecorder()
	pipeline, err := stream.New(recorder, registry,
		stream.WithLiveSync(queue),
		stream.WithOverloadMessage(opts.overloadMessage),
	)
	if err != nil {
		return nil, err
	}
	ag, err := agent.New(client, recorder, pipeline,
		agent.WithTools(registry),
		agent.WithLiveOpener(queue),
		agent.WithMaxSteps(opts.maxSteps),
	)
	if err != nil {
		return nil, err
	}

	result, err := ag.Respond(ctx, agent.ChatRequest{
		EntityID:  opts.entityID,
		ChatID:    opts.chatID,
		Message:   opts.message,
		ContextID: uuid.NewString(),
	}, out)
	if result != nil {
		enc := json.NewEncoder(diag)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		if rec, getErr := live.Get(ctx, result.ContextID); getErr == nil {
			fmt.Fprintf(diag, "live record sealed=%t text=%q\n", rec.Sealed(), rec.Text)
		}
	}
	if opts.showHistory {
		history, listErr := recorder.List(context.Background(), opts.entityID, opts.chatID, 0)
		if listErr == nil {
			for _, msg := range history {
				payload, _ := conversation.EncodePayload(msg.Payload)
				fmt.Fprintf(diag, "#%d %s %s\n", msg.Sequence, msg.Role, payload)
			}
		}
	}
	return result, err
}
