package authorizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgequota/keygate/internal/verify"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// VerifyMethod is the full gRPC method name of the verification RPC.
const VerifyMethod = "/keygate.verify.v1.VerifyService/Verify"

func (c *Client) verifyGRPC(ctx context.Context, apiKey, origin string) Result {
	fields := map[string]any{verify.ParamAPIKey: apiKey}
	if origin != "" {
		fields[verify.ParamOrigin] = origin
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return failed(fmt.Errorf("build authorizer grpc request: %w", err), 0)
	}

	resp := new(structpb.Struct)
	if err := c.grpcConn.Invoke(ctx, VerifyMethod, req, resp); err != nil {
		st, _ := status.FromError(err)
		switch st.Code() {
		case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated:
			return rejected(st.Message(), 0)
		case codes.DeadlineExceeded:
			return timedOut(fmt.Errorf("authorizer grpc verify: %w", err))
		default:
			if isTimeout(ctx, err) {
				return timedOut(fmt.Errorf("authorizer grpc verify: %w", err))
			}
			return failed(fmt.Errorf("authorizer grpc verify: %w", err), 0)
		}
	}

	o := verify.Outcome{
		Result:  resp.GetFields()["result"].GetStringValue(),
		Message: resp.GetFields()["message"].GetStringValue(),
	}
	if o.Result == "" {
		return failed(errors.New("authorizer grpc response has no result"), 0)
	}
	return verified(o, 0)
}
