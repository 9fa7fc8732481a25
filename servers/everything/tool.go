// Package everything provides a small set of tools exercising the baked and stdio
// transports: echo, add, printEnv, longRunningOperation and uname.
package everything

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MegaGrindStone/go-omcp"
)

// EchoArgs is the arguments for the echo tool.
type EchoArgs struct {
	Message string `json:"message" jsonschema:"description=Message to echo"`
}

// AddArgs is the arguments for the add tool.
type AddArgs struct {
	A float64 `json:"a" jsonschema:"description=First number"`
	B float64 `json:"b" jsonschema:"description=Second number"`
}

// LongRunningOperationArgs is the arguments for the longRunningOperation tool.
type LongRunningOperationArgs struct {
	Duration float64 `json:"duration,omitempty" jsonschema:"description=Duration of the operation in seconds,default=10"`
	Steps    float64 `json:"steps,omitempty" jsonschema:"description=Number of steps in the operation,default=5"`
}

// PrintEnvArgs is the arguments for the printEnv tool, it takes none.
type PrintEnvArgs struct{}

// UnameArgs is the arguments for the uname tool, it takes none.
type UnameArgs struct{}

// Tools returns every tool of the package.
func Tools() []omcp.BakedTool {
	return []omcp.BakedTool{
		omcp.NewTool("echo", "Echoes back the input", callEcho),
		omcp.NewTool("add", "Adds two numbers", callAdd),
		omcp.NewTool("longRunningOperation", "Demonstrates a long running operation", callLongRunningOperation),
		omcp.NewTool("printEnv", "Prints all environment variables, helpful for debugging server configuration",
			callPrintEnv),
		omcp.NewTool("uname", "Prints the operating system and architecture of the server", callUname),
	}
}

func callEcho(_ context.Context, args EchoArgs) (string, error) {
	return fmt.Sprintf("Echo: %s", args.Message), nil
}

func callAdd(_ context.Context, args AddArgs) (string, error) {
	sum := strconv.FormatFloat(args.A+args.B, 'f', -1, 64)
	return fmt.Sprintf("The sum of %v and %v is %s.", args.A, args.B, sum), nil
}

func callLongRunningOperation(ctx context.Context, args LongRunningOperationArgs) (string, error) {
	duration := args.Duration
	if duration <= 0 {
		duration = 10
	}
	steps := int(args.Steps)
	if steps <= 0 {
		steps = 5
	}
	stepDuration := time.Duration(duration * float64(time.Second) / float64(steps))

	for i := 0; i < steps; i++ {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("operation cancelled at step %d: %w", i+1, ctx.Err())
		case <-time.After(stepDuration):
		}
	}

	return fmt.Sprintf("Long running operation completed. Duration: %v seconds, Steps: %d.", duration, steps), nil
}

func callPrintEnv(context.Context, PrintEnvArgs) (string, error) {
	env := os.Environ()
	sort.Strings(env)
	return fmt.Sprintf("Environment variables:\n%s", strings.Join(env, "\n")), nil
}

func callUname(context.Context, UnameArgs) (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to read hostname: %w", err)
	}
	return fmt.Sprintf("%s %s %s", runtime.GOOS, host, runtime.GOARCH), nil
}
