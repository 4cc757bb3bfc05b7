package main

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"strings"

	x402 "github.com/becomeliminal/x402-resource-server"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	weatherServiceName = "weather.v1.WeatherService"
	weatherGetMethod   = "/" + weatherServiceName + "/GetWeather"
	weatherGetPattern  = "/v1/weather/{location}"
)

var conditions = []string{"sunny", "cloudy", "rain", "snow", "windy", "fog"}

// report is the paid weather resource.
type report struct {
	Location    string  `json:"location"`
	Temperature float64 `json:"temperature"`
	Conditions  string  `json:"conditions"`
	Payer       string  `json:"payer,omitempty"`
}

func forecast(location string) report {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(location)))
	sum := h.Sum32()
	return report{
		Location:    location,
		Temperature: float64(int(sum%450)-100) / 10,
		Conditions:  conditions[int(sum>>8)%len(conditions)],
	}
}

func (r report) toStruct() (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"location":    r.Location,
		"temperature": r.Temperature,
		"conditions":  r.Conditions,
	}
	if r.Payer != "" {
		fields["payer"] = r.Payer
	}
	return structpb.NewStruct(fields)
}

// weatherServer is the gRPC weather service.
type weatherServer interface {
	GetWeather(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type weatherService struct{}

// GetWeather answers {"location": "..."} requests. Callers reach it either directly
// (payment checked by the interceptor) or through the gateway (payment forwarded as
// metadata). Context set by our own middleware wins over metadata.
func (s *weatherService) GetWeather(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	location := req.GetFields()["location"].GetStringValue()
	if location == "" {
		return nil, status.Error(codes.InvalidArgument, "location is required")
	}

	r := forecast(location)
	if payment, ok := x402.GetPaymentFromContext(ctx); ok {
		r.Payer = payment.PayerAddress
	} else if payment, ok := x402.GetPaymentFromGRPCContext(ctx); ok {
		r.Payer = payment.PayerAddress
	}
	return r.toStruct()
}

func getWeatherHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(weatherServer).GetWeather(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: weatherGetMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(weatherServer).GetWeather(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var weatherServiceDesc = grpc.ServiceDesc{
	ServiceName: weatherServiceName,
	HandlerType: (*weatherServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetWeather", Handler: getWeatherHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "weather/v1/weather.proto",
}

func registerWeatherServer(s grpc.ServiceRegistrar, srv weatherServer) {
	s.RegisterService(&weatherServiceDesc, srv)
}

// registerWeatherGateway serves the weather RPC in-process at GET /v1/weather/{location}.
func registerWeatherGateway(mux *runtime.ServeMux, srv weatherServer) error {
	return mux.HandlePath(http.MethodGet, weatherGetPattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		ctx, err := runtime.AnnotateIncomingContext(r.Context(), mux, r, weatherGetMethod,
			runtime.WithHTTPPathPattern(weatherGetPattern))
		if err != nil {
			runtime.HTTPError(r.Context(), mux, &runtime.JSONPb{}, w, r, err)
			return
		}

		req, err := structpb.NewStruct(map[string]interface{}{"location": params["location"]})
		if err != nil {
			runtime.HTTPError(ctx, mux, &runtime.JSONPb{}, w, r, err)
			return
		}

		resp, err := srv.GetWeather(ctx, req)
		if err != nil {
			runtime.HTTPError(ctx, mux, &runtime.JSONPb{}, w, r, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"data": resp.AsMap()})
	})
}

// weatherHTTP serves GET /weather?location=... as plain JSON.
func weatherHTTP(w http.ResponseWriter, r *http.Request) {
	location := r.URL.Query().Get("location")
	if location == "" {
		location = "San Francisco"
	}

	report := forecast(location)
	if payment, ok := x402.GetPaymentFromContext(r.Context()); ok {
		report.Payer = payment.PayerAddress
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"data": report})
}
