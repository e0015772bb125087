package handler

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "sse.auth.v1.SessionAuthService"

// SessionAuthServer is the server API of SessionAuthService.
type SessionAuthServer interface {
	Login(context.Context, *LoginRequest) (*TokenResponse, error)
	Refresh(context.Context, *RefreshRequest) (*TokenResponse, error)
	SwitchActiveRole(context.Context, *SwitchActiveRoleRequest) (*TokenResponse, error)
	ResolveConcurrent(context.Context, *ResolveConcurrentRequest) (*ResolveConcurrentResponse, error)
	Reauthenticate(context.Context, *ReauthenticateRequest) (*TokenResponse, error)
	Logout(context.Context, *LogoutRequest) (*LogoutResponse, error)
	LogoutAll(context.Context, *LogoutAllRequest) (*LogoutAllResponse, error)
}

// ServiceDesc describes SessionAuthService for grpc.ServiceRegistrar.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionAuthServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Login", SessionAuthServer.Login),
		unary("Refresh", SessionAuthServer.Refresh),
		unary("SwitchActiveRole", SessionAuthServer.SwitchActiveRole),
		unary("ResolveConcurrent", SessionAuthServer.ResolveConcurrent),
		unary("Reauthenticate", SessionAuthServer.Reauthenticate),
		unary("Logout", SessionAuthServer.Logout),
		unary("LogoutAll", SessionAuthServer.LogoutAll),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sse/auth/v1/auth",
}

// RegisterSessionAuthServer registers srv on s.
func RegisterSessionAuthServer(s grpc.ServiceRegistrar, srv SessionAuthServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// FullMethod returns the full RPC name of method, as seen by interceptors.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// PublicMethods are the RPCs callable without an access token; they authenticate with an
// authorization code or a refresh token instead.
func PublicMethods() map[string]bool {
	return map[string]bool{
		FullMethod("Login"):             true,
		FullMethod("Refresh"):           true,
		FullMethod("SwitchActiveRole"):  true,
		FullMethod("ResolveConcurrent"): true,
		FullMethod("Reauthenticate"):    true,
		FullMethod("Logout"):            true,
	}
}

func unary[Req, Resp any](method string, call func(SessionAuthServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SessionAuthServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(SessionAuthServer), ctx, req.(*Req))
			})
		},
	}
}
