package errs

import (
	"testing"

	"github.com/pkg/errors"
)

func TestCodeErrorIsMatchesByCode(t *testing.T) {
	err := ErrRecordIsExist.WithDetail("receipt m1/u1")
	if !ErrRecordIsExist.Is(err) {
		t.Fatal("WithDetail must keep the code identity")
	}
	if ErrNotFound.Is(err) {
		t.Fatal("different codes must not match")
	}
	// 经 pkg/errors 包装后仍可识别
	if !ErrStoreNotReady.Is(errors.Wrap(ErrStoreNotReady.WithDetail("redis"), "healthz")) {
		t.Fatal("wrapped code error must still match")
	}
}
