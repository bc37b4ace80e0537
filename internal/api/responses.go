package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/scarson/queued/internal/rendezvous"
)

// maxWaitSeconds caps how long a blocking GET holds the connection.
const maxWaitSeconds = 300

func registerResponseRoutes(api huma.API, rv Responses) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-response",
		Method:        http.MethodPost,
		Path:          "/responses",
		Summary:       "Create a response slot",
		Description:   "Returns a fresh key to hand to a job; the handler publishes its result under it.",
		Tags:          []string{"Responses"},
		DefaultStatus: http.StatusCreated,
	}, createResponseHandler(rv))

	huma.Register(api, huma.Operation{
		OperationID:   "set-response",
		Method:        http.MethodPut,
		Path:          "/responses/{key}",
		Summary:       "Publish a response value",
		Tags:          []string{"Responses"},
		DefaultStatus: http.StatusNoContent,
	}, setResponseHandler(rv))

	huma.Register(api, huma.Operation{
		OperationID: "get-response",
		Method:      http.MethodGet,
		Path:        "/responses/{key}",
		Summary:     "Read a response value",
		Description: "Returns 204 while no value is set. With block=true the call waits up to `wait` seconds for one.",
		Tags:        []string{"Responses"},
	}, getResponseHandler(rv))

	huma.Register(api, huma.Operation{
		OperationID:   "delete-response",
		Method:        http.MethodDelete,
		Path:          "/responses/{key}",
		Summary:       "Release a response slot",
		Tags:          []string{"Responses"},
		DefaultStatus: http.StatusNoContent,
	}, deleteResponseHandler(rv))
}

type CreateResponseOutput struct {
	Body struct {
		Key string `json:"key"`
	}
}

func createResponseHandler(rv Responses) func(context.Context, *struct{}) (*CreateResponseOutput, error) {
	return func(ctx context.Context, _ *struct{}) (*CreateResponseOutput, error) {
		key, err := rv.Generate(ctx)
		if err != nil {
			return nil, fmt.Errorf("generate response key: %w", err)
		}
		out := &CreateResponseOutput{}
		out.Body.Key = key
		return out, nil
	}
}

type SetResponseInput struct {
	Key  string `path:"key"`
	Body struct {
		Value any `json:"value" doc:"Any JSON value"`
	}
}

func setResponseHandler(rv Responses) func(context.Context, *SetResponseInput) (*struct{}, error) {
	return func(ctx context.Context, input *SetResponseInput) (*struct{}, error) {
		err := rv.SetValue(ctx, input.Key, input.Body.Value)
		if errors.Is(err, rendezvous.ErrInvalidKey) {
			return nil, huma.Error404NotFound("response key not found")
		}
		if err != nil {
			return nil, fmt.Errorf("set response: %w", err)
		}
		return nil, nil
	}
}

type GetResponseInput struct {
	Key   string `path:"key"`
	Block bool   `query:"block" doc:"Wait for a value instead of returning 204"`
	Wait  int    `query:"wait" default:"30" minimum:"1" maximum:"300" doc:"Seconds to wait when blocking"`
}

type GetResponseOutput struct {
	Status int
	Body   *ResponseValue
}

type ResponseValue struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func getResponseHandler(rv Responses) func(context.Context, *GetResponseInput) (*GetResponseOutput, error) {
	return func(ctx context.Context, input *GetResponseInput) (*GetResponseOutput, error) {
		getCtx := ctx
		if input.Block {
			wait := min(max(input.Wait, 1), maxWaitSeconds)
			var cancel context.CancelFunc
			getCtx, cancel = context.WithTimeout(ctx, time.Duration(wait)*time.Second)
			defer cancel()
		}

		v, err := rv.GetValue(getCtx, input.Key, input.Block)
		switch {
		case errors.Is(err, rendezvous.ErrInvalidKey):
			return nil, huma.Error404NotFound("response key not found")
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// Waited the full window without a value.
			return &GetResponseOutput{Status: http.StatusNoContent}, nil
		case err != nil:
			return nil, fmt.Errorf("get response: %w", err)
		case v == nil:
			return &GetResponseOutput{Status: http.StatusNoContent}, nil
		}
		return &GetResponseOutput{
			Status: http.StatusOK,
			Body:   &ResponseValue{Key: input.Key, Value: v},
		}, nil
	}
}

type DeleteResponseInput struct {
	Key string `path:"key"`
}

func deleteResponseHandler(rv Responses) func(context.Context, *DeleteResponseInput) (*struct{}, error) {
	return func(ctx context.Context, input *DeleteResponseInput) (*struct{}, error) {
		if err := rv.Release(ctx, input.Key); err != nil {
			return nil, fmt.Errorf("delete response: %w", err)
		}
		return nil, nil
	}
}
