package server

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "coverledger.v1.CoverLedger"

// unary builds a method handler around a CoverLedgerServer method.
func unary[Req, Resp any](name string, call func(CoverLedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(CoverLedgerServer), ctx, req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the API for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoverLedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", CoverLedgerServer.Submit),
		unary("GetPool", CoverLedgerServer.GetPool),
		unary("GetCover", CoverLedgerServer.GetCover),
		unary("GetPosition", CoverLedgerServer.GetPosition),
		unary("GetOverlaps", CoverLedgerServer.GetOverlaps),
		unary("ListPools", CoverLedgerServer.ListPools),
		unary("ListPositions", CoverLedgerServer.ListPositions),
		unary("ListCovers", CoverLedgerServer.ListCovers),
		unary("ListClaims", CoverLedgerServer.ListClaims),
		unary("ListBalances", CoverLedgerServer.ListBalances),
		unary("ListJournals", CoverLedgerServer.ListJournals),
		unary("VerifyIntegrity", CoverLedgerServer.VerifyIntegrity),
		unary("TakeSnapshot", CoverLedgerServer.TakeSnapshot),
		unary("RebuildProjections", CoverLedgerServer.RebuildProjections),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coverledger/v1/coverledger.json",
}

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}
