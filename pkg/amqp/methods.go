package amqp

import "fmt"

// limits and well-known classes/methods
const (
	classConnection = 10
	classChannel    = 20
	classExchange   = 40
	classQueue      = 50
	classBasic      = 60
	classConfirm    = 85
	classTx         = 90

	methodConnStart     = 10
	methodConnStartOk   = 11
	methodConnSecure    = 20
	methodConnSecureOk  = 21
	methodConnTune      = 30
	methodConnTuneOk    = 31
	methodConnOpen      = 40
	methodConnOpenOk    = 41
	methodConnClose     = 50
	methodConnCloseOk   = 51
	methodConnBlocked   = 60
	methodConnUnblocked = 61

	methodChannelOpen    = 10
	methodChannelOpenOk  = 11
	methodChannelFlow    = 20
	methodChannelFlowOk  = 21
	methodChannelClose   = 40
	methodChannelCloseOk = 41
)

// MethodKind identifies a method by its class and method ids.
type MethodKind struct {
	Class  uint16
	Method uint16
}

// Connection and channel class methods driven by this package.
var (
	ConnectionStart     = MethodKind{classConnection, methodConnStart}
	ConnectionStartOk   = MethodKind{classConnection, methodConnStartOk}
	ConnectionSecure    = MethodKind{classConnection, methodConnSecure}
	ConnectionSecureOk  = MethodKind{classConnection, methodConnSecureOk}
	ConnectionTune      = MethodKind{classConnection, methodConnTune}
	ConnectionTuneOk    = MethodKind{classConnection, methodConnTuneOk}
	ConnectionOpen      = MethodKind{classConnection, methodConnOpen}
	ConnectionOpenOk    = MethodKind{classConnection, methodConnOpenOk}
	ConnectionClose     = MethodKind{classConnection, methodConnClose}
	ConnectionCloseOk   = MethodKind{classConnection, methodConnCloseOk}
	ConnectionBlocked   = MethodKind{classConnection, methodConnBlocked}
	ConnectionUnblocked = MethodKind{classConnection, methodConnUnblocked}

	ChannelOpen    = MethodKind{classChannel, methodChannelOpen}
	ChannelOpenOk  = MethodKind{classChannel, methodChannelOpenOk}
	ChannelFlow    = MethodKind{classChannel, methodChannelFlow}
	ChannelFlowOk  = MethodKind{classChannel, methodChannelFlowOk}
	ChannelClose   = MethodKind{classChannel, methodChannelClose}
	ChannelCloseOk = MethodKind{classChannel, methodChannelCloseOk}
)

var methodNames = map[MethodKind]string{
	ConnectionStart:     "connection.start",
	ConnectionStartOk:   "connection.start-ok",
	ConnectionSecure:    "connection.secure",
	ConnectionSecureOk:  "connection.secure-ok",
	ConnectionTune:      "connection.tune",
	ConnectionTuneOk:    "connection.tune-ok",
	ConnectionOpen:      "connection.open",
	ConnectionOpenOk:    "connection.open-ok",
	ConnectionClose:     "connection.close",
	ConnectionCloseOk:   "connection.close-ok",
	ConnectionBlocked:   "connection.blocked",
	ConnectionUnblocked: "connection.unblocked",
	ChannelOpen:         "channel.open",
	ChannelOpenOk:       "channel.open-ok",
	ChannelFlow:         "channel.flow",
	ChannelFlowOk:       "channel.flow-ok",
	ChannelClose:        "channel.close",
	ChannelCloseOk:      "channel.close-ok",

	{classExchange, 10}: "exchange.declare",
	{classExchange, 11}: "exchange.declare-ok",
	{classExchange, 20}: "exchange.delete",
	{classExchange, 21}: "exchange.delete-ok",
	{classExchange, 30}: "exchange.bind",
	{classExchange, 31}: "exchange.bind-ok",
	{classExchange, 40}: "exchange.unbind",
	{classExchange, 51}: "exchange.unbind-ok",
	{classQueue, 10}:    "queue.declare",
	{classQueue, 11}:    "queue.declare-ok",
	{classQueue, 20}:    "queue.bind",
	{classQueue, 21}:    "queue.bind-ok",
	{classQueue, 30}:    "queue.purge",
	{classQueue, 31}:    "queue.purge-ok",
	{classQueue, 40}:    "queue.delete",
	{classQueue, 41}:    "queue.delete-ok",
	{classQueue, 50}:    "queue.unbind",
	{classQueue, 51}:    "queue.unbind-ok",
	{classBasic, 10}:    "basic.qos",
	{classBasic, 11}:    "basic.qos-ok",
	{classBasic, 20}:    "basic.consume",
	{classBasic, 21}:    "basic.consume-ok",
	{classBasic, 30}:    "basic.cancel",
	{classBasic, 31}:    "basic.cancel-ok",
	{classBasic, 40}:    "basic.publish",
	{classBasic, 50}:    "basic.return",
	{classBasic, 60}:    "basic.deliver",
	{classBasic, 70}:    "basic.get",
	{classBasic, 71}:    "basic.get-ok",
	{classBasic, 72}:    "basic.get-empty",
	{classBasic, 80}:    "basic.ack",
	{classBasic, 90}:    "basic.reject",
	{classBasic, 100}:   "basic.recover-async",
	{classBasic, 110}:   "basic.recover",
	{classBasic, 111}:   "basic.recover-ok",
	{classBasic, 120}:   "basic.nack",
	{classConfirm, 10}:  "confirm.select",
	{classConfirm, 11}:  "confirm.select-ok",
	{classTx, 10}:       "tx.select",
	{classTx, 11}:       "tx.select-ok",
	{classTx, 20}:       "tx.commit",
	{classTx, 21}:       "tx.commit-ok",
	{classTx, 30}:       "tx.rollback",
	{classTx, 31}:       "tx.rollback-ok",
}

func (k MethodKind) String() string {
	if name, ok := methodNames[k]; ok {
		return name
	}
	return fmt.Sprintf("method(%d.%d)", k.Class, k.Method)
}

// syncReplies lists the server methods that only ever answer a client
// request. Receiving one with nothing waiting for it means the two peers
// disagree about the conversation.
var syncReplies = map[MethodKind]struct{}{
	ConnectionOpenOk:    {},
	ConnectionCloseOk:   {},
	ChannelOpenOk:       {},
	ChannelCloseOk:      {},
	ChannelFlowOk:       {},
	{classExchange, 11}: {},
	{classExchange, 21}: {},
	{classExchange, 31}: {},
	{classExchange, 51}: {},
	{classQueue, 11}:    {},
	{classQueue, 21}:    {},
	{classQueue, 31}:    {},
	{classQueue, 41}:    {},
	{classQueue, 51}:    {},
	{classBasic, 11}:    {},
	{classBasic, 21}:    {},
	{classBasic, 31}:    {},
	{classBasic, 71}:    {},
	{classBasic, 72}:    {},
	{classBasic, 111}:   {},
	{classConfirm, 11}:  {},
	{classTx, 11}:       {},
	{classTx, 21}:       {},
	{classTx, 31}:       {},
}

// IsSyncReply reports whether k is a reply-only method.
func IsSyncReply(k MethodKind) bool {
	_, ok := syncReplies[k]
	return ok
}

func kindsString(kinds []MethodKind) string {
	if len(kinds) == 1 {
		return kinds[0].String()
	}
	s := "["
	for i, k := range kinds {
		if i > 0 {
			s += " "
		}
		s += k.String()
	}
	return s + "]"
}
