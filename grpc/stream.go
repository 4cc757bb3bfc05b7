package grpc

import (
	"context"
	"fmt"

	x402 "github.com/becomeliminal/x402-resource-server"
	"google.golang.org/grpc"
)

// StreamServerInterceptor creates a gRPC stream server interceptor that enforces x402 payments.
// Payment is settled before the stream begins.
func StreamServerInterceptor(cfg x402.Config) grpc.StreamServerInterceptor {
	processor, err := x402.NewProcessor(cfg)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}
	return StreamInterceptor(processor)
}

// StreamInterceptor enforces the processor's method pricing on streams.
func StreamInterceptor(p *x402.Processor) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		paidCtx, settlement, err := authorize(ss.Context(), p, info.FullMethod)
		if err != nil {
			return err
		}
		if settlement == nil {
			return handler(srv, ss)
		}

		wrappedStream := &paymentServerStream{
			ServerStream: ss,
			ctx:          paidCtx,
		}

		handlerErr := handler(srv, wrappedStream)
		if handlerErr == nil {
			if trailer, err := receiptTrailer(settlement); err == nil {
				wrappedStream.SetTrailer(trailer)
			}
		}

		return handlerErr
	}
}

type paymentServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *paymentServerStream) Context() context.Context {
	return s.ctx
}
