package server

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"

	"github.com/pkg/errors"

	"ws-rpc/message"
)

const handlerPrefix = "On"

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	replyType   = reflect.TypeOf((*message.Reply)(nil))
)

// methodType is one handler method found on a service receiver.
type methodType struct {
	method   reflect.Method
	message  string         // Message name, the method name without its On prefix
	argTypes []reflect.Type // Parameters after the context
	results  resultKind
}

type resultKind int

const (
	resultError      resultKind = iota // func(...) error
	resultValueError                   // func(...) (T, error)
	resultReply                        // func(...) *message.Reply
)

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

/*
newService scans rcvr for handler methods. Every exported method named On<Message> must look like
one of

	func (r *T) OnPing(ctx context.Context, args ...) error
	func (r *T) OnPing(ctx context.Context, args ...) (V, error)
	func (r *T) OnPing(ctx context.Context, args ...) *message.Reply

and is registered for <Message>. Other methods are ignored.
*/
func newService(name string, rcvr any) (*service, error) {
	if rcvr == nil {
		return nil, errors.Wrap(ErrInvalidHandler, "receiver is nil")
	}
	typ := reflect.TypeOf(rcvr)
	svc := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if !strings.HasPrefix(method.Name, handlerPrefix) {
			continue
		}
		mt, err := newMethodType(method)
		if err != nil {
			return nil, errors.Wrapf(err, "%s.%s", name, method.Name)
		}
		svc.method[mt.message] = mt
	}
	if len(svc.method) == 0 {
		return nil, errors.Wrapf(ErrInvalidHandler, "%s has no %s<Message> methods", name, handlerPrefix)
	}
	return svc, nil
}

func newMethodType(method reflect.Method) (*methodType, error) {
	mtype := method.Type
	msg := strings.TrimPrefix(method.Name, handlerPrefix)
	if msg == "" {
		return nil, errors.Wrap(ErrInvalidHandler, "method name must be On<Message>")
	}
	if mtype.IsVariadic() {
		return nil, errors.Wrap(ErrInvalidHandler, "variadic handlers are not supported")
	}
	// In(0) is the receiver
	if mtype.NumIn() < 2 || mtype.In(1) != contextType {
		return nil, errors.Wrap(ErrInvalidHandler, "first parameter must be context.Context")
	}
	mt := &methodType{method: method, message: msg}
	for i := 2; i < mtype.NumIn(); i++ {
		mt.argTypes = append(mt.argTypes, mtype.In(i))
	}
	switch {
	case mtype.NumOut() == 1 && mtype.Out(0) == errorType:
		mt.results = resultError
	case mtype.NumOut() == 1 && mtype.Out(0) == replyType:
		mt.results = resultReply
	case mtype.NumOut() == 2 && mtype.Out(1) == errorType:
		mt.results = resultValueError
	default:
		return nil, errors.Wrap(ErrInvalidHandler, "results must be error, (T, error) or *message.Reply")
	}
	return mt, nil
}

// handler adapts a method to a HandlerFunc. Arguments are decoded positionally; missing ones are
// passed as zero values.
func (s *service) handler(mt *methodType) HandlerFunc {
	return func(ctx context.Context, call *message.Call) *message.Reply {
		in := make([]reflect.Value, 0, 2+len(mt.argTypes))
		in = append(in, s.rcvr, reflect.ValueOf(ctx))
		for i, argType := range mt.argTypes {
			argv := reflect.New(argType)
			if i < len(call.Args) {
				if err := json.Unmarshal(call.Args[i], argv.Interface()); err != nil {
					return message.Failure("Invalid argument "+call.Method(), err.Error())
				}
			}
			in = append(in, argv.Elem())
		}
		out := mt.method.Func.Call(in)
		switch mt.results {
		case resultReply:
			if reply, _ := out[0].Interface().(*message.Reply); reply != nil {
				return reply
			}
			return message.Success(call.Message, nil)
		case resultError:
			if err, _ := out[0].Interface().(error); err != nil {
				return message.Failure(err.Error(), nil)
			}
			return message.Success(call.Message, nil)
		default:
			if err, _ := out[1].Interface().(error); err != nil {
				return message.Failure(err.Error(), nil)
			}
			return message.Success(call.Message, out[0].Interface())
		}
	}
}
