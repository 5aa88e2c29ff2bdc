package grpcipc

import (
	"fmt"
	"io"
	"strings"

	"github.com/jhump/protoreflect/v2/protobuilder"
	"github.com/jhump/protoreflect/v2/protoprint"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/hanpama/graphqlipc/internal/ipc"
)

const (
	// ServiceName is the fully-qualified name of the host service.
	ServiceName = "graphqlipc.Host"

	protoPath    = "graphqlipc/host.proto"
	invokeMethod = "/" + ServiceName + "/Invoke"
	listenMethod = "/" + ServiceName + "/Listen"
)

// schema holds the descriptors of the host service. Messages are built at
// runtime and exchanged as dynamicpb messages, so no generated code is
// needed on either side.
type schema struct {
	file   protoreflect.FileDescriptor
	invoke protoreflect.MethodDescriptor
	listen protoreflect.MethodDescriptor

	command protoreflect.FieldDescriptor
	args    protoreflect.FieldDescriptor
	body    protoreflect.FieldDescriptor
	isOk    protoreflect.FieldDescriptor
	event   protoreflect.FieldDescriptor
	payload protoreflect.FieldDescriptor
	end     protoreflect.FieldDescriptor
}

var hostSchema = mustBuildSchema()

func mustBuildSchema() *schema {
	s, err := buildSchema()
	if err != nil {
		panic(fmt.Sprintf("grpcipc: build schema: %v", err))
	}
	return s
}

func buildSchema() (*schema, error) {
	fb := protobuilder.NewFile(protoPath)
	fb.SetPackageName("graphqlipc")
	fb.SetSyntax(protoreflect.Proto3)

	invokeReq := message("InvokeRequest", "A host command and its JSON encoded arguments.",
		field("command", 1, protoreflect.StringKind),
		field("args", 2, protoreflect.BytesKind),
	)
	invokeResp := message("InvokeResponse", "The serialized execution result and whether it is free of errors.",
		field("body", 1, protoreflect.StringKind),
		field("is_ok", 2, protoreflect.BoolKind),
	)
	listenReq := message("ListenRequest", "The event channel to attach to.",
		field("event", 1, protoreflect.StringKind),
	)
	event := message("Event", "One event payload. An event with end set carries no payload and ends the stream.",
		field("payload", 1, protoreflect.StringKind),
		field("end", 2, protoreflect.BoolKind),
	)
	for _, mb := range []*protobuilder.MessageBuilder{invokeReq, invokeResp, listenReq, event} {
		fb.AddMessage(mb)
	}

	svc := protobuilder.NewService("Host")
	svc.SetComments(comment("Host exposes the primitives of an ipc host.\nThe response headers of Listen are sent once the listener is attached."))
	svc.AddMethod(protobuilder.NewMethod("Invoke",
		protobuilder.RpcTypeMessage(invokeReq, false),
		protobuilder.RpcTypeMessage(invokeResp, false),
	))
	svc.AddMethod(protobuilder.NewMethod("Listen",
		protobuilder.RpcTypeMessage(listenReq, false),
		protobuilder.RpcTypeMessage(event, true),
	))
	fb.AddService(svc)

	fd, err := fb.Build()
	if err != nil {
		return nil, err
	}
	sd := fd.Services().ByName("Host")
	s := &schema{
		file:   fd,
		invoke: sd.Methods().ByName("Invoke"),
		listen: sd.Methods().ByName("Listen"),
	}
	s.command = s.invoke.Input().Fields().ByName("command")
	s.args = s.invoke.Input().Fields().ByName("args")
	s.body = s.invoke.Output().Fields().ByName("body")
	s.isOk = s.invoke.Output().Fields().ByName("is_ok")
	s.event = s.listen.Input().Fields().ByName("event")
	s.payload = s.listen.Output().Fields().ByName("payload")
	s.end = s.listen.Output().Fields().ByName("end")
	return s, nil
}

func message(name protoreflect.Name, doc string, fields ...*protobuilder.FieldBuilder) *protobuilder.MessageBuilder {
	mb := protobuilder.NewMessage(name)
	mb.SetComments(comment(doc))
	for _, f := range fields {
		mb.AddField(f)
	}
	return mb
}

func field(name protoreflect.Name, number protoreflect.FieldNumber, kind protoreflect.Kind) *protobuilder.FieldBuilder {
	fb := protobuilder.NewField(name, protobuilder.FieldTypeScalar(kind))
	fb.SetNumber(number)
	return fb
}

func comment(desc string) protobuilder.Comments {
	lines := strings.Split(desc, "\n")
	for i, line := range lines {
		lines[i] = " " + line
	}
	return protobuilder.Comments{LeadingComment: strings.Join(lines, "\n") + "\n"}
}

// FileDescriptor describes the host service.
func FileDescriptor() protoreflect.FileDescriptor { return hostSchema.file }

// Render prints the host service definition in .proto syntax.
func Render(w io.Writer) error {
	pp := protoprint.Printer{}
	return pp.PrintProtoFile(hostSchema.file, w)
}

// ---------------- messages ----------------

func newInvokeRequest(cmd string, args []byte) *dynamicpb.Message {
	m := dynamicpb.NewMessage(hostSchema.invoke.Input())
	m.Set(hostSchema.command, protoreflect.ValueOfString(cmd))
	m.Set(hostSchema.args, protoreflect.ValueOfBytes(args))
	return m
}

func readInvokeRequest(m *dynamicpb.Message) (cmd string, args []byte) {
	return m.Get(hostSchema.command).String(), m.Get(hostSchema.args).Bytes()
}

func newInvokeResponse(resp ipc.Response) *dynamicpb.Message {
	m := dynamicpb.NewMessage(hostSchema.invoke.Output())
	m.Set(hostSchema.body, protoreflect.ValueOfString(resp.Body))
	m.Set(hostSchema.isOk, protoreflect.ValueOfBool(resp.IsOk))
	return m
}

func readInvokeResponse(m *dynamicpb.Message) ipc.Response {
	return ipc.Response{Body: m.Get(hostSchema.body).String(), IsOk: m.Get(hostSchema.isOk).Bool()}
}

func newListenRequest(event string) *dynamicpb.Message {
	m := dynamicpb.NewMessage(hostSchema.listen.Input())
	m.Set(hostSchema.event, protoreflect.ValueOfString(event))
	return m
}

func newEvent(payload *string) *dynamicpb.Message {
	m := dynamicpb.NewMessage(hostSchema.listen.Output())
	if payload == nil {
		m.Set(hostSchema.end, protoreflect.ValueOfBool(true))
		return m
	}
	m.Set(hostSchema.payload, protoreflect.ValueOfString(*payload))
	return m
}

func readEvent(m *dynamicpb.Message) *string {
	if m.Get(hostSchema.end).Bool() {
		return nil
	}
	s := m.Get(hostSchema.payload).String()
	return &s
}
