package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/ajitpratap0/mcp-toolserver/pkg/protocol"
	"github.com/ajitpratap0/mcp-toolserver/pkg/tools"
	"github.com/ajitpratap0/mcp-toolserver/pkg/utils"
)

const builtinProviderID = "builtin"

type echoArgs struct {
	Message string `json:"message" description:"Text to send back"`
}

type addArgs struct {
	A float64 `json:"a" description:"First addend"`
	B float64 `json:"b" description:"Second addend"`
}

type timeArgs struct {
	Timezone string `json:"timezone,omitempty" description:"IANA time zone name, UTC when omitted"`
}

// now is replaced in tests
var now = time.Now

// newBuiltinProvider returns the tools every server binary ships with
func newBuiltinProvider() *tools.StaticProvider {
	p := tools.NewStaticProvider(builtinProviderID)

	p.MustAddTool(protocol.MustTool("echo", "Returns the given message", utils.MustSchemaFor(echoArgs{})),
		func(ctx context.Context, arguments json.RawMessage) (*protocol.CallToolResult, error) {
			var args echoArgs
			if err := utils.DecodeArguments(arguments, &args); err != nil {
				return nil, err
			}
			return protocol.NewToolResult(protocol.TextContent(args.Message)), nil
		})

	p.MustAddTool(protocol.MustTool("add", "Adds two numbers", utils.MustSchemaFor(addArgs{})),
		func(ctx context.Context, arguments json.RawMessage) (*protocol.CallToolResult, error) {
			var args addArgs
			if err := utils.DecodeArguments(arguments, &args); err != nil {
				return nil, err
			}
			return protocol.NewToolResult(protocol.TextContent(strconv.FormatFloat(args.A+args.B, 'g', -1, 64))), nil
		})

	p.MustAddTool(protocol.MustTool("current_time", "Returns the current time in RFC 3339 format", utils.MustSchemaFor(timeArgs{})),
		func(ctx context.Context, arguments json.RawMessage) (*protocol.CallToolResult, error) {
			var args timeArgs
			if err := utils.DecodeArguments(arguments, &args); err != nil {
				return nil, err
			}
			loc := time.UTC
			if args.Timezone != "" {
				var err error
				if loc, err = time.LoadLocation(args.Timezone); err != nil {
					return nil, fmt.Errorf("unknown time zone %q", args.Timezone)
				}
			}
			return protocol.NewToolResult(protocol.TextContent(now().In(loc).Format(time.RFC3339))), nil
		})

	return p
}
