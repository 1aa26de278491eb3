package dispatch

import (
	"context"
	"fmt"
	"reflect"

	"wirelink/codec"
	"wirelink/protocol"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// TableFromReceiver builds an ordinal table by scanning the exported methods
// of a receiver struct, for services that prefer registration-by-reflection
// over hand-built method entries. Two signatures are recognized:
//
//	func (r *T) M(args *A, reply *R) error   // two-way
//	func (r *T) M(args *A) error             // one-way
//
// The protocol name is the struct type name and each ordinal is derived from
// "Type/Method" via MethodOrdinal, so both sides compute the same table.
//
// A two-way method's returned error closes the connection with an internal
// status: application-level failures belong in the reply type, the error
// return is for calls that cannot be answered at all.
func TableFromReceiver(mode Mode, rcvr any) (*Table, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("dispatch: receiver must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("dispatch: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	protoName := typ.Elem().Name()

	var methods []Method
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		mt := m.Type

		// Filter for the two RPC shapes; everything else is a plain method.
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		var kind Kind
		switch {
		case mt.NumIn() == 3 && mt.In(1).Kind() == reflect.Ptr && mt.In(2).Kind() == reflect.Ptr:
			kind = TwoWay
		case mt.NumIn() == 2 && mt.In(1).Kind() == reflect.Ptr:
			kind = OneWay
		default:
			continue
		}

		argType := mt.In(1).Elem()
		method := Method{
			Ordinal: MethodOrdinal(protoName, m.Name),
			Name:    m.Name,
			Kind:    kind,
			Decode: func(cdc codec.Codec, payload []byte) (any, error) {
				argv := reflect.New(argType)
				if err := cdc.Decode(payload, argv.Interface()); err != nil {
					return nil, err
				}
				return argv.Interface(), nil
			},
		}

		if kind == TwoWay {
			replyType := mt.In(2).Elem()
			fn := m.Func
			method.Invoke = func(ctx context.Context, impl any, req any, c *Completer) {
				replyv := reflect.New(replyType)
				results := fn.Call([]reflect.Value{reflect.ValueOf(impl), reflect.ValueOf(req), replyv})
				if !results[0].IsNil() {
					c.Close(protocol.StatusInternal)
					return
				}
				c.Reply(replyv.Interface())
			}
		} else {
			fn := m.Func
			method.Invoke = func(ctx context.Context, impl any, req any, c *Completer) {
				fn.Call([]reflect.Value{reflect.ValueOf(impl), reflect.ValueOf(req)})
			}
		}

		methods = append(methods, method)
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("dispatch: %s has no methods with an RPC signature", protoName)
	}
	return NewTable(protoName, mode, methods...)
}
