// Package errors provides the classified error taxonomy shared by the voice pipeline.
// Every expected failure is resolved into an AppError whose Code decides retry policy
// and whose UserMessage is what the conversation view shows.
package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code identifies an error class.
type Code string

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeInternal        Code = "INTERNAL"
	CodeCancelled       Code = "CANCELLED"
	CodeConfigMissing   Code = "CONFIG_MISSING"
	CodeCaptureInit     Code = "CAPTURE_INIT_FAILED"
	CodeNoAudio         Code = "NO_AUDIO"
	CodeNetwork         Code = "NETWORK"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeTimeout         Code = "TIMEOUT"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeQuotaExceeded   Code = "QUOTA_EXCEEDED"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeNotRecognized   Code = "NOT_RECOGNIZED"
	CodeHallucination   Code = "HALLUCINATION"
	CodeEmptyAnswer     Code = "EMPTY_ANSWER"
	CodePlayback        Code = "PLAYBACK_FAILED"
	CodeUsageLimit      Code = "USAGE_LIMIT"
)

// ErrorDomain is reported in gRPC ErrorInfo details.
const ErrorDomain = "roaddoc.voice"

func (c Code) String() string {
	if c == "" {
		return string(CodeUnknown)
	}
	return string(c)
}

var userMessages = map[Code]string{
	CodeUnknown:         "일시적인 오류가 발생했습니다. 다시 시도해 주세요.",
	CodeInternal:        "처리 중 오류가 발생했습니다.",
	CodeCancelled:       "요청이 취소되었습니다.",
	CodeConfigMissing:   "서비스 설정이 올바르지 않습니다.",
	CodeCaptureInit:     "마이크를 시작할 수 없습니다.",
	CodeNoAudio:         "녹음 파일을 찾을 수 없습니다.",
	CodeNetwork:         "네트워크 연결을 확인해 주세요.",
	CodeUnavailable:     "서버에 일시적인 문제가 있습니다. 잠시 후 다시 시도해 주세요.",
	CodeTimeout:         "응답 시간이 초과되었습니다. 다시 시도해 주세요.",
	CodeRateLimited:     "요청이 너무 많습니다. 잠시 후 다시 시도해 주세요.",
	CodeUnauthenticated: "인증에 실패했습니다. 앱을 다시 시작해 주세요.",
	CodeQuotaExceeded:   "API 사용량이 초과되었습니다. 관리자에게 문의해 주세요.",
	CodeInvalidRequest:  "잘못된 요청입니다. 다시 시도해 주세요.",
	CodeNotRecognized:   "음성이 인식되지 않았습니다. 좀 더 명확하게 말씀해 주세요.",
	CodeHallucination:   "음성을 정확히 듣지 못했습니다. 좀 더 명확하게 말씀해 주세요.",
	CodeEmptyAnswer:     "답변을 생성할 수 없습니다. 다시 질문해 주세요.",
	CodePlayback:        "음성 재생에 실패했습니다.",
	CodeUsageLimit:      "오늘의 사용 횟수를 모두 사용했습니다. 내일 다시 이용해 주세요.",
}

var grpcCodeMap = map[Code]codes.Code{
	CodeUnknown:         codes.Unknown,
	CodeInternal:        codes.Internal,
	CodeCancelled:       codes.Canceled,
	CodeConfigMissing:   codes.FailedPrecondition,
	CodeCaptureInit:     codes.FailedPrecondition,
	CodeNoAudio:         codes.InvalidArgument,
	CodeNetwork:         codes.Unavailable,
	CodeUnavailable:     codes.Unavailable,
	CodeTimeout:         codes.DeadlineExceeded,
	CodeRateLimited:     codes.ResourceExhausted,
	CodeUnauthenticated: codes.Unauthenticated,
	CodeQuotaExceeded:   codes.ResourceExhausted,
	CodeInvalidRequest:  codes.InvalidArgument,
	CodeNotRecognized:   codes.InvalidArgument,
	CodeHallucination:   codes.InvalidArgument,
	CodeEmptyAnswer:     codes.Internal,
	CodePlayback:        codes.Internal,
	CodeUsageLimit:      codes.ResourceExhausted,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error

	userMessage string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code.String(), e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// UserMessage returns the human-readable text shown in the conversation area.
func (e *AppError) UserMessage() string {
	if e.userMessage != "" {
		return e.userMessage
	}
	if msg, ok := userMessages[e.Code]; ok {
		return msg
	}
	return userMessages[CodeUnknown]
}

// WithUserMessage overrides the default user-facing text.
func (e *AppError) WithUserMessage(msg string) *AppError {
	e.userMessage = msg
	return e
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// GRPCCode returns the corresponding gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if c, ok := grpcCodeMap[e.Code]; ok {
		return c
	}
	return codes.Unknown
}

// GRPCStatus returns a gRPC status with an ErrorInfo detail attached.
// grpc-go calls this for any handler error that implements it.
func (e *AppError) GRPCStatus() *status.Status {
	st := status.New(e.GRPCCode(), e.Error())
	info := &errdetails.ErrorInfo{
		Reason:   e.Code.String(),
		Domain:   ErrorDomain,
		Metadata: e.Metadata,
	}
	if withDetail, err := st.WithDetails(info); err == nil {
		return withDetail
	}
	return st
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// As finds the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// FromGRPCError extracts an AppError from a gRPC error if present.
func FromGRPCError(err error) *AppError {
	st, ok := status.FromError(err)
	if !ok {
		return &AppError{Code: CodeUnknown, Message: err.Error(), Cause: err}
	}

	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.GetDomain() == ErrorDomain {
			return &AppError{
				Code:     Code(info.GetReason()),
				Message:  st.Message(),
				Metadata: info.GetMetadata(),
			}
		}
	}

	return &AppError{Code: grpcToErrorCode(st.Code()), Message: st.Message()}
}

// grpcToErrorCode maps gRPC codes back to our error codes (best effort).
func grpcToErrorCode(c codes.Code) Code {
	switch c {
	case codes.InvalidArgument:
		return CodeInvalidRequest
	case codes.Unavailable:
		return CodeUnavailable
	case codes.DeadlineExceeded:
		return CodeTimeout
	case codes.Canceled:
		return CodeCancelled
	case codes.Internal:
		return CodeInternal
	case codes.Unauthenticated, codes.PermissionDenied:
		return CodeUnauthenticated
	case codes.FailedPrecondition:
		return CodeConfigMissing
	case codes.ResourceExhausted:
		return CodeRateLimited
	default:
		return CodeUnknown
	}
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code Code) bool {
	if appErr, ok := As(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsRetryable returns true if the error is potentially retryable.
// Errors that were never classified are not retried.
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Code {
	case CodeNetwork, CodeUnavailable, CodeTimeout, CodeRateLimited, CodeUnknown:
		return true
	default:
		return false
	}
}

// UserMessage returns the user-facing text for err, falling back to the
// generic pipeline message for errors that were never classified.
func UserMessage(err error) string {
	if appErr, ok := As(err); ok {
		return appErr.UserMessage()
	}
	return userMessages[CodeInternal]
}
