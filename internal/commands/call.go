package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dfs-rpc/client"
	"dfs-rpc/codec"
	"dfs-rpc/internal/cli"
	"dfs-rpc/internal/demo"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var callArgs struct {
	clientFlags
	timeout time.Duration
}

var CallCmd = &cli.Subcommand{
	Use:   "call METHOD [ARG]",
	Short: "invoke one demo method (echo TEXT, sleep MILLIS, fail CLASS:MESSAGE, cat TEXT)",
	Example: `  dfsrpc call --endpoints 127.0.0.1:8020 echo hello
  dfsrpc call --cluster prod sleep 250`,
	SetupFlags: func(f *pflag.FlagSet) {
		callArgs.register(f)
		f.DurationVar(&callArgs.timeout, "timeout", 30*time.Second, "overall deadline, connecting included")
	},
	Run: runCall,
}

func runCall(s *cli.Subcommand, args []string) error {
	if len(args) == 0 {
		return errors.New("missing METHOD")
	}
	arg := strings.Join(args[1:], " ")

	ctx, cancel := context.WithTimeout(context.Background(), callArgs.timeout)
	defer cancel()
	e, closer, err := callArgs.dial(ctx, s)
	if err != nil {
		return err
	}
	defer closer.Close()

	var out any
	switch args[0] {
	case demo.Echo.Name():
		r, err := client.Invoke(ctx, e, demo.Echo, wrapperspb.String(arg))
		if err != nil {
			return err
		}
		out = r.GetValue()
	case demo.Sleep.Name():
		var ms int64
		if _, err := fmt.Sscanf(arg, "%d", &ms); err != nil {
			return errors.Wrap(err, "sleep takes milliseconds")
		}
		r, err := client.Invoke(ctx, e, demo.Sleep, &demo.SleepRequest{Millis: ms})
		if err != nil {
			return err
		}
		out = r
	case demo.Fail.Name():
		class, msg, _ := strings.Cut(arg, ":")
		r, err := client.Invoke(ctx, e, demo.Fail, &demo.FailRequest{Class: class, Message: msg})
		if err != nil {
			return err
		}
		out = r
	case demo.Cat.Name():
		in := codec.Bytes(arg)
		r, err := client.Invoke(ctx, e, demo.Cat, &in)
		if err != nil {
			return err
		}
		out = string(*r)
	default:
		return errors.Errorf("unknown method %q", args[0])
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
