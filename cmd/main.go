package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"commerce-agent/handler"
	"commerce-agent/internal/app"
	"commerce-agent/internal/config"
	"commerce-agent/internal/observability"
)

func main() {
	ctx := context.Background()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	flush := observability.InitTracing(ctx, "commerce-agent-api")

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients and use cases ----
	a, err := app.New(ctx, cfg, awsCfg)
	if err != nil {
		slog.Error("failed to build application", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(handler.Services{
		Ingest:    a.Ingest,
		Process:   a.Process,
		Locations: a.Locations,
		Control:   a.Control,
	})
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		defer func() {
			if err := flush(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("trace flush failed", "err", err)
			}
		}()
		return h.Handle(ctx, req)
	})
}
