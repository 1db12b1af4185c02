package diag

import (
	"context"
	"errors"
	"net"
	"os"

	"cirrusslice/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总，与退出码解耦。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeInvariant Code = "invariant"
	CodeUpstream  Code = "upstream"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
)

// Classify 将错误归为最小分类。
// 说明：仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 取消/超时优先
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrMalformedDocument) || errors.Is(err, contract.ErrTitleMismatch) {
		return CodeProtocol
	}
	if errors.Is(err, contract.ErrUpstream) {
		return CodeUpstream
	}
	var uerr contract.UpstreamError
	if errors.As(err, &uerr) {
		return CodeUpstream
	}
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	// 网络（连接/超时等）
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// Report 统一记录一次组件失败：日志 + 计数。
func Report(logger *Logger, comp, msg, dump, batch string, err error) Code {
	code := Classify(err)
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv := map[string]string{"http_status": itoa(int64(ue.UpstreamStatus()))}
		if m := ue.UpstreamMessage(); m != "" {
			if len(m) > 200 {
				m = m[:200]
			}
			kv["upstream_msg"] = m
		}
		logger.ErrorWithKV(comp, string(code), msg, nil, dump, batch, kv)
	} else {
		logger.ErrorWith(comp, string(code), msg, nil, dump, batch)
	}
	IncOp(comp, "error", "error")
	if code != CodeUnknown {
		IncError(comp, string(code))
	}
	return code
}
