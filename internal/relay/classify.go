package relay

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrTransient 可重试的提交失败（网络、nonce 冲突、gas 价格过低、确认超时）
	ErrTransient = errors.New("transient submission failure")
	// ErrFatal 不可重试的提交失败（合约 revert、签名失败）
	ErrFatal = errors.New("fatal submission failure")
	// ErrClosed Submitter 已关闭
	ErrClosed = errors.New("submitter closed")
)

// Class 错误分类
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassFatal
	// ClassKnown 节点已持有同一笔交易（already known），视为已广播
	ClassKnown
	// ClassUnrecognized 未匹配任何已知模式；按可重试处理，由重试上限兜底
	ClassUnrecognized
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	case ClassKnown:
		return "known"
	case ClassUnrecognized:
		return "unrecognized"
	default:
		return "none"
	}
}

// SubmissionError 带分类的提交错误；errors.Is 可匹配 ErrTransient / ErrFatal
type SubmissionError struct {
	Class Class
	Err   error
}

func (e *SubmissionError) Error() string { return fmt.Sprintf("%s: %v", e.Class, e.Err) }
func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Class == ClassTransient || e.Class == ClassUnrecognized
	case ErrFatal:
		return e.Class == ClassFatal
	}
	return false
}

func transient(err error) error { return &SubmissionError{Class: ClassTransient, Err: err} }
func fatal(err error) error     { return &SubmissionError{Class: ClassFatal, Err: err} }

var transientPatterns = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"transaction underpriced",
	"max fee per gas less than block base fee",
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"too many requests",
	"429",
	"503",
	"header not found",
	"txpool is full",
}

// Classifier 根据错误信息分类
type Classifier struct {
	transientReverts []string
}

// NewClassifier transientReverts 为可重试的 revert 原因子串（不区分大小写）
func NewClassifier(transientReverts []string) *Classifier {
	c := &Classifier{}
	for _, r := range transientReverts {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			c.transientReverts = append(c.transientReverts, r)
		}
	}
	return c
}

// Classify 发送/估算阶段的错误
func (c *Classifier) Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction") {
		return ClassKnown
	}
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert") {
		return c.ClassifyRevert(msg)
	}
	if strings.Contains(msg, "invalid sender") || strings.Contains(msg, "insufficient funds") {
		return ClassFatal
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return ClassTransient
		}
	}
	return ClassUnrecognized
}

// ClassOf 取出错误上的分类；未分类的错误视为 ClassUnrecognized
func ClassOf(err error) Class {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Class
	}
	if err == nil {
		return ClassNone
	}
	return ClassUnrecognized
}

// ClassifyRevert revert 默认不可重试，除非原因匹配配置的可重试模式
func (c *Classifier) ClassifyRevert(reason string) Class {
	lower := strings.ToLower(reason)
	for _, r := range c.transientReverts {
		if strings.Contains(lower, r) {
			return ClassTransient
		}
	}
	return ClassFatal
}

// IsNonceTooLow nonce 已被占用，需要与链上重新同步
func IsNonceTooLow(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}
