package rpc

import (
	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/matheusmosca/mxshop-fulfillment/internal/retry"
)

// Dial opens a client connection with the retry interceptors installed and
// JSON as the default content subtype.
func Dial(target string, r *retry.Interceptor, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	if r != nil {
		base = append(base,
			grpc.WithChainUnaryInterceptor(r.Unary()),
			grpc.WithChainStreamInterceptor(r.Stream()),
		)
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}
	return conn, nil
}
