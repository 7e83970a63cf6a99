package errs

import (
	"errors"
	"strconv"
	"strings"
)

// CodeError 带业务码的错误。
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func New(msg string) error {
	return errors.New(msg)
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return e.Code == ce.Code
}

// 预定义错误码
var (
	ErrRecordIsExist = NewCodeError(1001, "record already exists")
	ErrNotFound      = NewCodeError(1002, "record not found")
	ErrStoreNotReady = NewCodeError(1003, "store not initialized")
)
