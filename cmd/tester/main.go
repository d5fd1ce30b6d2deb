// tester 连接 paper-soldier 服务，依次发送登录、回显与选角请求并打印回复。
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/lk2023060901/paper-soldier-go/internal/network/connector"
	"github.com/lk2023060901/paper-soldier-go/internal/network/envelope"
	"github.com/lk2023060901/paper-soldier-go/internal/service/lobby"
)

type options struct {
	url       string
	account   string
	character int64
	message   string
	timeout   time.Duration
	retries   uint64
}

func main() {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "tester",
		Short:         "Exercise a paper-soldier server over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	flags := rootCmd.Flags()
	flags.StringVar(&opts.url, "url", "ws://127.0.0.1:9000/ws", "server websocket url")
	flags.StringVar(&opts.account, "account", "tester", "account id used to log in")
	flags.Int64Var(&opts.character, "character", 0, "character index to select")
	flags.StringVar(&opts.message, "message", "hello", "text sent with echo and pbuf_echo")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Second, "time to wait for each reply")
	flags.Uint64Var(&opts.retries, "retries", 3, "dial retries")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "[tester] error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	conn, err := connector.New(connector.Config{MaxRetries: opts.retries}).Dial(ctx, opts.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Printf("[tester] connected: %s\n", opts.url)

	binaryEcho, err := envelope.NewMessage(lobby.TypeProtoEcho, wrapperspb.String(opts.message))
	if err != nil {
		return err
	}
	selectCharacter, err := envelope.NewMessage(lobby.TypeSelectCharacter, wrapperspb.Int64(opts.character))
	if err != nil {
		return err
	}

	requests := []envelope.Envelope{
		envelope.NewDocument(lobby.TypeEcho, envelope.Document{"msg": opts.message}),
		binaryEcho,
		envelope.NewDocument(lobby.TypeLogin, envelope.Document{"id": opts.account}),
		selectCharacter,
	}
	for _, req := range requests {
		fmt.Printf("[tester] send: %s\n", req)
		if err := conn.Send(req); err != nil {
			return err
		}
		if err := printReply(conn, opts.timeout); err != nil {
			return err
		}
	}
	return nil
}

// printReply 打印下一条非心跳回复。
func printReply(conn *connector.Conn, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		select {
		case env, ok := <-conn.Recv():
			if !ok {
				return errors.Wrap(conn.Err(), "connection closed")
			}
			if env.TypeName() == lobby.TypeHeartbeat {
				continue
			}
			printEnvelope(env)
			return nil
		case <-deadline:
			return errors.Newf("no reply within %s", timeout)
		}
	}
}

func printEnvelope(env envelope.Envelope) {
	if doc, ok := env.Document(); ok {
		fmt.Printf("[tester] recv: %s %v\n", env.TypeName(), map[string]any(doc))
		return
	}
	msg := &wrapperspb.StringValue{}
	if err := env.Resolve(msg); err == nil {
		fmt.Printf("[tester] recv: %s %q\n", env.TypeName(), msg.GetValue())
		return
	}
	fmt.Printf("[tester] recv: %s\n", env)
}
