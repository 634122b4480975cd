package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/chazu/dexvm/compiler"
	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/vm"
)

// Procedure paths of the verification service.
const (
	ServiceName                = "dexvm.v1.VerificationService"
	VerifyDexProcedure         = "/" + ServiceName + "/VerifyDex"
	GetVerifiedMethodProcedure = "/" + ServiceName + "/GetVerifiedMethod"
	IsClassRejectedProcedure   = "/" + ServiceName + "/IsClassRejected"
	requestIDHeader            = "Dexvm-Request-Id"
)

// verifyCall is one VerifyDex in flight or done. Later requests for the
// same location wait on done and share the outcome.
type verifyCall struct {
	done chan struct{}
	resp *VerifyDexResponse
	err  error
}

// VerificationService answers verification queries for an out-of-process
// compiler driver.
type VerificationService struct {
	worker *VMWorker

	mu    sync.Mutex
	calls map[string]*verifyCall
}

// NewVerificationService creates a VerificationService.
func NewVerificationService(worker *VMWorker) *VerificationService {
	return &VerificationService{worker: worker, calls: make(map[string]*verifyCall)}
}

// Handlers returns the connect handlers keyed by procedure path.
func (s *VerificationService) Handlers(opts ...connect.HandlerOption) map[string]http.Handler {
	opts = append([]connect.HandlerOption{connect.WithCodec(cborCodec{})}, opts...)
	return map[string]http.Handler{
		VerifyDexProcedure:         connect.NewUnaryHandler(VerifyDexProcedure, s.VerifyDex, opts...),
		GetVerifiedMethodProcedure: connect.NewUnaryHandler(GetVerifiedMethodProcedure, s.GetVerifiedMethod, opts...),
		IsClassRejectedProcedure:   connect.NewUnaryHandler(IsClassRejectedProcedure, s.IsClassRejected, opts...),
	}
}

func withRequestID[T any](resp *connect.Response[T], id uuid.UUID) *connect.Response[T] {
	resp.Header().Set(requestIDHeader, id.String())
	return resp
}

// VerifyDex loads and verifies a dex file. A location verified before is
// answered from the first result.
func (s *VerificationService) VerifyDex(
	ctx context.Context,
	req *connect.Request[VerifyDexRequest],
) (*connect.Response[VerifyDexResponse], error) {
	id := uuid.New()
	loc := req.Msg.Location
	if loc == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("location is required"))
	}
	log.Infof("[%s] VerifyDex %s (%d bytes)", id, loc, len(req.Msg.Dex))

	s.mu.Lock()
	call, cached := s.calls[loc]
	if !cached {
		call = &verifyCall{done: make(chan struct{})}
		s.calls[loc] = call
	}
	s.mu.Unlock()

	if cached {
		select {
		case <-call.done:
		case <-ctx.Done():
			return nil, connect.NewError(connect.CodeCanceled, ctx.Err())
		}
		if call.err != nil {
			return nil, call.err
		}
		resp := *call.resp
		resp.Cached = true
		return withRequestID(connect.NewResponse(&resp), id), nil
	}

	call.resp, call.err = s.verify(ctx, loc, req.Msg.Dex)
	if call.err != nil {
		// Let a later request retry.
		s.mu.Lock()
		delete(s.calls, loc)
		s.mu.Unlock()
	}
	close(call.done)
	if call.err != nil {
		return nil, call.err
	}
	return withRequestID(connect.NewResponse(call.resp), id), nil
}

func (s *VerificationService) verify(ctx context.Context, loc string, data []byte) (*VerifyDexResponse, error) {
	out, err := s.worker.Do(ctx, func(ctx context.Context, v *vm.VM) (any, error) {
		f, ok := v.DexFile(loc)
		if !ok {
			var err error
			if f, err = v.LoadDexFile(data, loc); err != nil {
				return nil, connect.NewError(connect.CodeInvalidArgument, err)
			}
		}
		report, err := v.VerifyDexFile(ctx, f)
		aborted := errors.Is(err, vm.ErrHardFailure)
		if err != nil && !aborted {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		resp := toResponse(v, report)
		resp.Aborted = aborted
		return resp, nil
	})
	if err != nil {
		var ce *connect.Error
		if errors.As(err, &ce) {
			return nil, ce
		}
		return nil, connect.NewError(connect.CodeUnavailable, err)
	}
	return out.(*VerifyDexResponse), nil
}

func toResponse(v *vm.VM, report *vm.Report) *VerifyDexResponse {
	resp := &VerifyDexResponse{Location: report.Location}
	for _, c := range report.Classes {
		if c.Descriptor == "" {
			// Not reached before an abort.
			continue
		}
		cv := ClassVerdict{
			Descriptor: c.Descriptor,
			Kind:       c.Result.Kind.String(),
			Rejected:   c.Rejected(),
		}
		if c.LinkErr != nil {
			cv.Kind = "unloadable"
			cv.LinkError = c.LinkErr.Error()
		}
		for _, m := range c.Result.PerMethod {
			mv := MethodVerdict{
				Index:     m.Method.DexMethodIdx,
				Name:      m.Method.Name,
				Signature: m.Method.Signature,
				Kind:      m.Kind.String(),
				Compiled:  v.Code.Lookup(m.Method) != nil,
			}
			for _, f := range m.Failures {
				mv.Failures = append(mv.Failures, f.Error())
			}
			cv.Methods = append(cv.Methods, mv)
		}
		resp.Classes = append(resp.Classes, cv)
	}
	return resp
}

func (s *VerificationService) dexFile(loc string) (*dex.File, error) {
	f, ok := s.worker.VM().DexFile(loc)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("dex file %q not loaded", loc))
	}
	return f, nil
}

// GetVerifiedMethod returns the recorded verification of one method.
func (s *VerificationService) GetVerifiedMethod(
	ctx context.Context,
	req *connect.Request[GetVerifiedMethodRequest],
) (*connect.Response[GetVerifiedMethodResponse], error) {
	id := uuid.New()
	f, err := s.dexFile(req.Msg.Location)
	if err != nil {
		return nil, err
	}
	ref := compiler.MethodReference{DexFile: f, Index: req.Msg.MethodIndex}
	if !ref.Valid() {
		return nil, connect.NewError(connect.CodeInvalidArgument,
			fmt.Errorf("method index %d out of range (%d methods)", ref.Index, len(f.MethodIDs)))
	}
	log.Debugf("[%s] GetVerifiedMethod %s", id, ref)
	verified := s.worker.VM().Results.GetVerifiedMethod(ref)
	if verified == nil {
		return withRequestID(connect.NewResponse(&GetVerifiedMethodResponse{}), id), nil
	}
	return withRequestID(connect.NewResponse(&GetVerifiedMethodResponse{
		Found:        true,
		Method:       ref.String(),
		Failures:     verified.EncounteredVerificationFailures().String(),
		RuntimeThrow: verified.HasRuntimeThrow(),
		Candidate:    verified.IsCandidateForCompilation(),
		Compilable:   verified.IsCompilable(),
		SafeCastPCs:  verified.SafeCastPCs(),
	}), id), nil
}

// IsClassRejected reports whether a class of a loaded file failed hard
// verification.
func (s *VerificationService) IsClassRejected(
	ctx context.Context,
	req *connect.Request[IsClassRejectedRequest],
) (*connect.Response[IsClassRejectedResponse], error) {
	id := uuid.New()
	f, err := s.dexFile(req.Msg.Location)
	if err != nil {
		return nil, err
	}
	i, ok := f.FindClassDef(req.Msg.Descriptor)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound,
			fmt.Errorf("%s does not define %s", req.Msg.Location, req.Msg.Descriptor))
	}
	rejected := s.worker.VM().Results.IsClassRejected(compiler.ClassReference{DexFile: f, ClassDef: i})
	log.Debugf("[%s] IsClassRejected %s: %v", id, req.Msg.Descriptor, rejected)
	return withRequestID(connect.NewResponse(&IsClassRejectedResponse{Rejected: rejected}), id), nil
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client calls a remote VerificationService.
type Client struct {
	verifyDex         *connect.Client[VerifyDexRequest, VerifyDexResponse]
	getVerifiedMethod *connect.Client[GetVerifiedMethodRequest, GetVerifiedMethodResponse]
	isClassRejected   *connect.Client[IsClassRejectedRequest, IsClassRejectedResponse]
}

// NewClient creates a client for the service at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	opts = append([]connect.ClientOption{connect.WithCodec(cborCodec{})}, opts...)
	return &Client{
		verifyDex:         connect.NewClient[VerifyDexRequest, VerifyDexResponse](httpClient, baseURL+VerifyDexProcedure, opts...),
		getVerifiedMethod: connect.NewClient[GetVerifiedMethodRequest, GetVerifiedMethodResponse](httpClient, baseURL+GetVerifiedMethodProcedure, opts...),
		isClassRejected:   connect.NewClient[IsClassRejectedRequest, IsClassRejectedResponse](httpClient, baseURL+IsClassRejectedProcedure, opts...),
	}
}

func (c *Client) VerifyDex(ctx context.Context, location string, data []byte) (*VerifyDexResponse, error) {
	resp, err := c.verifyDex.CallUnary(ctx, connect.NewRequest(&VerifyDexRequest{Location: location, Dex: data}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) GetVerifiedMethod(ctx context.Context, location string, methodIdx uint32) (*GetVerifiedMethodResponse, error) {
	resp, err := c.getVerifiedMethod.CallUnary(ctx, connect.NewRequest(&GetVerifiedMethodRequest{Location: location, MethodIndex: methodIdx}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) IsClassRejected(ctx context.Context, location, descriptor string) (bool, error) {
	resp, err := c.isClassRejected.CallUnary(ctx, connect.NewRequest(&IsClassRejectedRequest{Location: location, Descriptor: descriptor}))
	if err != nil {
		return false, err
	}
	return resp.Msg.Rejected, nil
}
