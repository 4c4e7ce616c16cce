package eventbus

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/telemetry-sdk/pkg/serrors"
)

// EventBus routes published values to every subscribed func whose parameters match them.
type EventBus interface {
	Publish(args ...any)
	Subscribe(handler any)
	Unsubscribe(handler any)
	Clear()
	SubscribersCount() int
}

// EventBusWithError additionally surfaces handler errors and panics.
type EventBusWithError interface {
	EventBus
	PublishE(args ...any) error
}

var (
	ErrNoSubscribers        = serrors.NewError("EVENTBUS_NO_SUBSCRIBERS", "no matching subscribers", "")
	ErrInvalidHandlerReturn = serrors.NewError("EVENTBUS_INVALID_HANDLER_RETURN", "invalid handler return signature", "")
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

type subscriber struct {
	fn reflect.Value
}

type bus struct {
	log *logrus.Logger

	mu          sync.RWMutex
	subscribers []subscriber
}

func NewEventPublisher(log *logrus.Logger) EventBusWithError {
	return &bus{log: log}
}

// MatchSignature reports whether handler can be called with args.
func MatchSignature(handler any, args []any) bool {
	t := reflect.TypeOf(handler)
	if t == nil || t.Kind() != reflect.Func || t.NumIn() != len(args) {
		return false
	}
	for i, arg := range args {
		param := t.In(i)
		if arg == nil {
			if param.Kind() != reflect.Interface && param.Kind() != reflect.Ptr {
				return false
			}
			continue
		}
		if !reflect.TypeOf(arg).AssignableTo(param) {
			return false
		}
	}
	return true
}

func (b *bus) Subscribe(handler any) {
	v := reflect.ValueOf(handler)
	if v.Kind() != reflect.Func {
		panic("eventbus: handler must be a function")
	}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, subscriber{fn: v})
	b.mu.Unlock()
}

func (b *bus) Unsubscribe(handler any) {
	v := reflect.ValueOf(handler)
	if v.Kind() != reflect.Func {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s.fn.Pointer() == v.Pointer() {
			b.subscribers = append(b.subscribers[:i:i], b.subscribers[i+1:]...)
			return
		}
	}
}

func (b *bus) Clear() {
	b.mu.Lock()
	b.subscribers = nil
	b.mu.Unlock()
}

func (b *bus) SubscribersCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *bus) matching(args []any) []reflect.Value {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []reflect.Value
	for _, s := range b.subscribers {
		if MatchSignature(s.fn.Interface(), args) {
			out = append(out, s.fn)
		}
	}
	return out
}

// Publish calls every matching handler. Panics are logged and do not stop other handlers.
func (b *bus) Publish(args ...any) {
	in := values(args)
	handled := false
	for _, fn := range b.matching(args) {
		if _, err := call(fn, in); err != nil {
			if b.log != nil {
				b.log.WithError(err).Errorf("eventbus: handler %s panicked with args %v", fn.Type(), args)
			}
			continue
		}
		handled = true
	}
	if !handled && b.log != nil {
		b.log.Warnf("eventbus.Publish: no matching subscribers for event with args: %v", args)
	}
}

// PublishE calls every matching handler and joins their errors.
// Handlers may return nothing or a single error.
func (b *bus) PublishE(args ...any) error {
	handlers := b.matching(args)
	if len(handlers) == 0 {
		return ErrNoSubscribers
	}

	in := values(args)
	var errs []error
	for _, fn := range handlers {
		out, err := call(fn, in)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch {
		case len(out) == 0:
		case len(out) == 1 && out[0].Type() == errorType:
			if !out[0].IsNil() {
				errs = append(errs, out[0].Interface().(error))
			}
		default:
			errs = append(errs, fmt.Errorf("%w: handler %s", ErrInvalidHandlerReturn, fn.Type()))
		}
	}
	return errors.Join(errs...)
}

func values(args []any) []reflect.Value {
	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		in[i] = reflect.ValueOf(arg)
	}
	return in
}

func call(fn reflect.Value, in []reflect.Value) (out []reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventbus: handler %s panicked: %v", fn.Type(), r)
		}
	}()
	args := make([]reflect.Value, len(in))
	for i, v := range in {
		if !v.IsValid() {
			v = reflect.Zero(fn.Type().In(i))
		}
		args[i] = v
	}
	return fn.Call(args), nil
}
