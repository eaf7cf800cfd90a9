package main

import (
	"context"

	"forumminer/cmd/forumminer/commands"
	"forumminer/lib/osutil"
	"forumminer/lib/telemetry"
)

func main() {
	ctx := osutil.SignalContext()
	tel, err := telemetry.SetupFromEnv(ctx, "forumminer")
	if err == nil {
		defer tel.Shutdown(context.Background())
	}
	commands.ExecuteContext(ctx)
}
