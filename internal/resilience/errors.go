package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind, bir upstream çağrısının sınıflandırılmış sonucudur.
type Kind int

const (
	KindSuccess Kind = iota
	KindTransient
	KindPermanent
	KindTimeout
	KindCircuitOpen
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindTimeout:
		return "timeout"
	case KindCircuitOpen:
		return "circuit_open"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Retryable, yeniden denenebilir (ve devre kesiciye sayılan) türler için true döner.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindTimeout
}

// ErrCircuitOpen, devre açıkken bağımlılığa hiç gidilmeden dönen hatadır.
var ErrCircuitOpen = errors.New("devre açık, çağrı reddedildi")

// Error, sarmalayıcı sınırını geçen tek hata tipidir. Üst katmanlar ham taşıma
// hatalarını görmez, yalnızca sınıflandırılmış sonucu görür.
type Error struct {
	Dependency    string
	Kind          Kind
	Attempts      int
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s çağrısı başarısız (%s, %d deneme): %v", e.Dependency, e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf, err zincirinde bir *Error varsa onun türünü, yoksa Classify sonucunu döner.
func KindOf(err error) Kind {
	if err == nil {
		return KindSuccess
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return Classify(err)
}

// StatusError, HTTP tabanlı adaptörlerin 2xx dışı yanıtları için kullandığı hatadır.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %d durum kodu döndürdü: %s", e.Code, e.Body)
}

type markedError struct {
	kind Kind
	err  error
}

func (m *markedError) Error() string { return m.err.Error() }
func (m *markedError) Unwrap() error { return m.err }

// Permanent, hatayı açıkça kalıcı olarak işaretler; yeniden denenmez.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{kind: KindPermanent, err: err}
}

// Transient, hatayı açıkça geçici olarak işaretler.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{kind: KindTransient, err: err}
}

// Classify, ham bir hatayı taksonomiye eşler. Tanınmayan hatalar geçici kabul edilir.
func Classify(err error) Kind {
	if err == nil {
		return KindSuccess
	}

	var marked *markedError
	if errors.As(err, &marked) {
		return marked.kind
	}
	if errors.Is(err, ErrCircuitOpen) {
		return KindCircuitOpen
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code >= 500, se.Code == 429, se.Code == 408:
			return KindTransient
		case se.Code >= 400:
			return KindPermanent
		}
		return KindTransient
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		switch st.Code() {
		case codes.DeadlineExceeded:
			return KindTimeout
		case codes.Canceled:
			return KindCanceled
		case codes.InvalidArgument, codes.Unauthenticated, codes.PermissionDenied,
			codes.NotFound, codes.FailedPrecondition, codes.Unimplemented, codes.OutOfRange:
			return KindPermanent
		default:
			return KindTransient
		}
	}

	if errors.Is(err, websocket.ErrBadHandshake) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransient
	}
	return KindTransient
}
