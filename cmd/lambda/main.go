// Package main provides the Lambda handler for CloudArb.
// This is the entry point for AWS Lambda Function URL deployment: each
// invocation runs a single pricing-aggregator cycle before serving the
// request, since a Lambda execution environment cannot host the
// long-running cycle driver used by the web/CLI entrypoints.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/cloudarb/cloudarb/internal/api"
	"github.com/cloudarb/cloudarb/internal/config"
	"github.com/cloudarb/cloudarb/internal/domain"

	_ "github.com/cloudarb/cloudarb/internal/provider/aws"
	_ "github.com/cloudarb/cloudarb/internal/provider/azure"
	_ "github.com/cloudarb/cloudarb/internal/provider/gcp"
	_ "github.com/cloudarb/cloudarb/internal/provider/lambdalabs"
	_ "github.com/cloudarb/cloudarb/internal/provider/runpod"
)

var app *api.API

func init() {
	app = api.Init(config.Get())
}

// Handler processes Lambda Function URL requests. It runs one
// aggregator cycle up front so every invocation sees a pricing table no
// older than this cold/warm start, then routes to the matching
// component-graph operation.
func Handler(ctx context.Context, request events.LambdaFunctionURLRequest) (events.LambdaFunctionURLResponse, error) {
	path := request.RawPath
	method := request.RequestContext.HTTP.Method

	fmt.Printf("[%s] %s %s\n", time.Now().Format(time.RFC3339), method, path)

	headers := map[string]string{
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "GET, POST, OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type, Authorization",
		"Content-Type":                 "application/json",
	}

	if method == "OPTIONS" {
		return events.LambdaFunctionURLResponse{StatusCode: 200, Headers: headers, Body: ""}, nil
	}

	cycleCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	app.RunAggregatorCycle(cycleCtx)
	cancel()

	switch {
	case path == "/api/health" && method == "GET":
		return handleHealth()
	case path == "/api/optimize" && method == "POST":
		return handleOptimize(ctx, request.Body)
	case path == "/api/pricing" && method == "GET":
		return handlePricing(request.QueryStringParameters)
	default:
		return jsonResponse(404, map[string]string{"error": "not found"})
	}
}

func handleHealth() (events.LambdaFunctionURLResponse, error) {
	snap := app.GetPricingSnapshot(domain.PriceFilter{})
	status := "healthy"
	if snap.Generation == 0 {
		status = "starting"
	}
	return jsonResponse(200, map[string]interface{}{
		"status":     status,
		"generation": snap.Generation,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

type lambdaOptimizeRequest struct {
	Items []struct {
		GPUKind  string `json:"gpu_kind"`
		MinCount int    `json:"min_count"`
		MaxCount int    `json:"max_count"`
	} `json:"items"`
	Objective     string  `json:"objective"`
	BudgetPerHr   float64 `json:"budget_per_hr"`
	RiskTolerance float64 `json:"risk_tolerance"`
}

func handleOptimize(ctx context.Context, body string) (events.LambdaFunctionURLResponse, error) {
	var req lambdaOptimizeRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return jsonResponse(400, map[string]string{"error": "invalid request body"})
	}

	domainReq := domain.Request{
		Objective:     domain.Objective(req.Objective),
		BudgetPerHr:   req.BudgetPerHr,
		RiskTolerance: req.RiskTolerance,
	}
	if domainReq.Objective == "" {
		domainReq.Objective = domain.ObjectiveMinCost
	}
	for _, it := range req.Items {
		domainReq.Items = append(domainReq.Items, domain.WorkloadItem{
			GPUKind: it.GPUKind, MinCount: it.MinCount, MaxCount: it.MaxCount,
		})
	}

	optCtx, cancel := context.WithTimeout(ctx, 25*time.Second)
	defer cancel()

	alloc, err := app.QuickOptimize(optCtx, domainReq)
	if err != nil {
		return jsonResponse(400, map[string]string{"error": err.Error()})
	}
	return jsonResponse(200, alloc)
}

func handlePricing(params map[string]string) (events.LambdaFunctionURLResponse, error) {
	filter := domain.PriceFilter{}
	if kind, ok := params["gpu_kind"]; ok && kind != "" {
		filter.GPUKinds = strings.Split(kind, ",")
	}
	if region, ok := params["region"]; ok && region != "" {
		filter.Regions = strings.Split(region, ",")
	}
	return jsonResponse(200, app.GetPricingSnapshot(filter))
}

func jsonResponse(statusCode int, body interface{}) (events.LambdaFunctionURLResponse, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return events.LambdaFunctionURLResponse{
			StatusCode: 500,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       `{"error": "failed to serialize response"}`,
		}, nil
	}
	return events.LambdaFunctionURLResponse{
		StatusCode: statusCode,
		Headers: map[string]string{
			"Content-Type":                "application/json",
			"Access-Control-Allow-Origin": "*",
		},
		Body: string(jsonBody),
	}, nil
}

func main() {
	lambda.Start(Handler)
}
