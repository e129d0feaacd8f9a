package grpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/structpb"

	apierrors "github.com/visualcraft/restbase/internal/errors"
	"github.com/visualcraft/restbase/internal/problem"
)

// ErrorDomain is the ErrorInfo domain of problem statuses.
const ErrorDomain = "restbase"

// metadataStatus is the ErrorInfo metadata key holding the HTTP status.
const metadataStatus = "http_status"

// StatusFromProblem renders p as a gRPC status. The message is the problem
// title; details carry an ErrorInfo whose reason is the problem type, a
// BadRequest when violations are given, and the full problem body as a
// structpb.Struct.
func StatusFromProblem(p *problem.Problem, violations []apierrors.Violation) *status.Status {
	st := status.New(CodeFromHTTPStatus(p.Status), p.Title)

	details := []protoadapt.MessageV1{
		&errdetails.ErrorInfo{
			Reason:   p.Type,
			Domain:   ErrorDomain,
			Metadata: map[string]string{metadataStatus: strconv.Itoa(p.Status)},
		},
	}
	if len(violations) > 0 {
		br := &errdetails.BadRequest{}
		for _, v := range violations {
			br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
				Field:       v.Field,
				Description: v.Message,
			})
		}
		details = append(details, br)
	}
	if body, err := problemStruct(p); err == nil {
		details = append(details, body)
	}

	withDetails, err := st.WithDetails(details...)
	if err != nil {
		return st
	}
	return withDetails
}

func problemStruct(p *problem.Problem) (*structpb.Struct, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ProblemFromStatus recovers the problem carried by a status produced by
// StatusFromProblem. It reports false for statuses without a problem body.
func ProblemFromStatus(st *status.Status) (*problem.Problem, bool) {
	httpStatus := http.StatusInternalServerError
	var body *structpb.Struct
	for _, d := range st.Details() {
		switch v := d.(type) {
		case *errdetails.ErrorInfo:
			if v.GetDomain() != ErrorDomain {
				continue
			}
			if n, err := strconv.Atoi(v.GetMetadata()[metadataStatus]); err == nil {
				httpStatus = n
			}
		case *structpb.Struct:
			body = v
		}
	}
	if body == nil {
		return nil, false
	}
	b, err := protojson.Marshal(body)
	if err != nil {
		return nil, false
	}
	p, err := problem.Decode(httpStatus, bytes.NewReader(b))
	if err != nil {
		return nil, false
	}
	return p, true
}

// CodeFromHTTPStatus maps an HTTP status code to the closest gRPC code.
func CodeFromHTTPStatus(httpCode int) codes.Code {
	switch httpCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.AlreadyExists
	case http.StatusPreconditionFailed:
		return codes.FailedPrecondition
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusNotImplemented:
		return codes.Unimplemented
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	default:
		if httpCode >= 400 && httpCode < 500 {
			return codes.FailedPrecondition
		}
		return codes.Internal
	}
}
