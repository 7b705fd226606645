// Package server implements the gRPC TemplateService
package server

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/RsousaIA/agentewhatsappia-sub001/internal/logger"
	"github.com/RsousaIA/agentewhatsappia-sub001/internal/metrics"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/engine"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/query"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/store"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/template"
)

// Server implements TemplateServiceServer over an engine
type Server struct {
	engine  *engine.Engine
	metrics *metrics.Metrics
	log     *logger.Logger

	ready     atomic.Bool
	startTime time.Time
}

var _ TemplateServiceServer = (*Server)(nil)

// NewServer creates a gRPC service instance. m may be nil; a nil log
// falls back to the global logger.
func NewServer(e *engine.Engine, m *metrics.Metrics, log *logger.Logger) *Server {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Server{
		engine:    e,
		metrics:   m,
		log:       log,
		startTime: time.Now(),
	}
}

// Ready reports whether the catalog has been loaded at least once
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// Uptime returns how long the server has existed
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Stats summarizes catalog and render cache state
func (s *Server) Stats() map[string]any {
	cs := s.engine.CacheStats()
	return map[string]any{
		"templates":     s.engine.Len(),
		"categories":    s.engine.Categories(),
		"cacheEntries":  cs.Entries,
		"cacheHits":     cs.Hits,
		"cacheMisses":   cs.Misses,
		"substitutions": cs.Substitutions,
		"uptimeSeconds": int64(s.Uptime().Seconds()),
		"ready":         s.Ready(),
	}
}

// LoadCatalog rebuilds the catalog from storage and marks the server ready
func (s *Server) LoadCatalog(ctx context.Context) (store.LoadReport, error) {
	start := time.Now()
	report, err := s.engine.Load(ctx)
	if err != nil {
		return report, err
	}
	s.log.LogLoad(report.Loaded, len(report.Restored), len(report.Skipped), time.Since(start))
	if s.metrics != nil {
		s.metrics.RecordLoad(report.Loaded, len(report.Restored), len(report.Skipped))
	}
	s.ready.Store(true)
	return report, nil
}

// ========== Template Operations ==========

func (s *Server) Create(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, _, err := stringField(req, "name")
	if err != nil {
		return nil, err
	}
	content, _, err := stringField(req, "content")
	if err != nil {
		return nil, err
	}
	category, _, err := stringField(req, "category")
	if err != nil {
		return nil, err
	}
	variables, _, err := stringListField(req, "variables")
	if err != nil {
		return nil, err
	}

	tpl, err := s.engine.Create(ctx, template.CreateRequest{
		Name:      name,
		Content:   content,
		Variables: variables,
		Category:  category,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return templateStruct(tpl)
}

func (s *Server) Update(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredID(req)
	if err != nil {
		return nil, err
	}

	var patch template.Patch
	if v, ok, err := stringField(req, "name"); err != nil {
		return nil, err
	} else if ok {
		patch.Name = &v
	}
	if v, ok, err := stringField(req, "content"); err != nil {
		return nil, err
	} else if ok {
		patch.Content = &v
	}
	if v, ok, err := stringField(req, "category"); err != nil {
		return nil, err
	} else if ok {
		patch.Category = &v
	}
	if v, ok, err := stringListField(req, "variables"); err != nil {
		return nil, err
	} else if ok {
		patch.Variables = &v
	}
	if patch.Empty() {
		return nil, status.Error(codes.InvalidArgument, "update requires at least one of name, content, variables, category")
	}

	tpl, err := s.engine.Update(ctx, id, patch)
	if err != nil {
		return nil, toStatus(err)
	}
	return templateStruct(tpl)
}

func (s *Server) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredID(req)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Delete(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"id": id, "deleted": true})
}

func (s *Server) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredID(req)
	if err != nil {
		return nil, err
	}
	tpl, err := s.engine.Get(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return templateStruct(tpl)
}

func (s *Server) List(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	category, _, err := stringField(req, "category")
	if err != nil {
		return nil, err
	}
	search, _, err := stringField(req, "search")
	if err != nil {
		return nil, err
	}
	limit, _, err := intField(req, "limit")
	if err != nil {
		return nil, err
	}
	offset, _, err := intField(req, "offset")
	if err != nil {
		return nil, err
	}

	q := query.NewBuilder().Category(category).Search(search).Limit(limit).Offset(offset).Build()
	res, err := s.engine.Query(ctx, q)
	if err != nil {
		return nil, toStatus(err)
	}

	items := make([]any, 0, len(res.Templates))
	for _, tpl := range res.Templates {
		items = append(items, templateMap(tpl))
	}
	return structpb.NewStruct(map[string]any{
		"templates": items,
		"total":     res.Total,
		"hasMore":   res.HasMore,
	})
}

func (s *Server) Render(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredID(req)
	if err != nil {
		return nil, err
	}
	bindings, err := bindingsField(req, "bindings")
	if err != nil {
		return nil, err
	}

	out, err := s.engine.Render(ctx, id, bindings)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"id": id, "output": out})
}

func (s *Server) Load(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	report, err := s.LoadCatalog(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"loaded":   report.Loaded,
		"restored": stringsToList(report.Restored),
		"skipped":  stringsToList(report.Skipped),
	})
}

func (s *Server) History(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredID(req)
	if err != nil {
		return nil, err
	}
	history, err := s.engine.History(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	snapshots := make([]any, len(history))
	for i, ts := range history {
		snapshots[i] = ts.UTC().Format(time.RFC3339Nano)
	}
	return structpb.NewStruct(map[string]any{"id": id, "snapshots": snapshots})
}

// ========== Conversion Helpers ==========

func templateMap(t *template.Template) map[string]any {
	return map[string]any{
		"id":        t.ID,
		"name":      t.Name,
		"content":   t.Content,
		"variables": stringsToList(t.Variables),
		"category":  t.Category,
		"version":   t.Version,
		"createdAt": t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt": t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func templateStruct(t *template.Template) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(templateMap(t))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode template: %v", err)
	}
	return st, nil
}

func stringsToList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func requiredID(req *structpb.Struct) (string, error) {
	id, ok, err := stringField(req, "id")
	if err != nil {
		return "", err
	}
	if !ok || id == "" {
		return "", status.Error(codes.InvalidArgument, "id is required")
	}
	return id, nil
}

// stringField returns the string at key; a missing or null field is not set
func stringField(req *structpb.Struct, key string) (string, bool, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return "", false, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return "", false, nil
	case *structpb.Value_StringValue:
		return k.StringValue, true, nil
	default:
		return "", false, status.Errorf(codes.InvalidArgument, "%s must be a string", key)
	}
}

func intField(req *structpb.Struct, key string) (int, bool, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0, false, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return 0, false, nil
	case *structpb.Value_NumberValue:
		n := int(k.NumberValue)
		if float64(n) != k.NumberValue || n < 0 {
			return 0, false, status.Errorf(codes.InvalidArgument, "%s must be a non-negative integer", key)
		}
		return n, true, nil
	default:
		return 0, false, status.Errorf(codes.InvalidArgument, "%s must be a number", key)
	}
}

// stringListField returns the list at key. A missing or null field yields
// nil so the store infers variables; an empty list yields an empty slice.
func stringListField(req *structpb.Struct, key string) ([]string, bool, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return nil, false, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return nil, false, nil
	case *structpb.Value_ListValue:
		out := make([]string, 0, len(k.ListValue.GetValues()))
		for _, item := range k.ListValue.GetValues() {
			s, isString := item.GetKind().(*structpb.Value_StringValue)
			if !isString {
				return nil, false, status.Errorf(codes.InvalidArgument, "%s must contain only strings", key)
			}
			out = append(out, s.StringValue)
		}
		return out, true, nil
	default:
		return nil, false, status.Errorf(codes.InvalidArgument, "%s must be a list", key)
	}
}

// bindingsField reads a name-to-value object. Numbers and booleans are
// accepted and formatted as text.
func bindingsField(req *structpb.Struct, key string) (map[string]string, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return map[string]string{}, nil
	}
	obj, isStruct := v.GetKind().(*structpb.Value_StructValue)
	if !isStruct {
		if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
			return map[string]string{}, nil
		}
		return nil, status.Errorf(codes.InvalidArgument, "%s must be an object", key)
	}

	out := make(map[string]string, len(obj.StructValue.GetFields()))
	for name, val := range obj.StructValue.GetFields() {
		switch k := val.GetKind().(type) {
		case *structpb.Value_StringValue:
			out[name] = k.StringValue
		case *structpb.Value_NumberValue:
			out[name] = strconv.FormatFloat(k.NumberValue, 'f', -1, 64)
		case *structpb.Value_BoolValue:
			out[name] = strconv.FormatBool(k.BoolValue)
		default:
			return nil, status.Errorf(codes.InvalidArgument, "%s.%s must be a string, number or boolean", key, name)
		}
	}
	return out, nil
}

// toStatus maps engine errors onto gRPC status codes
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case errors.Is(err, template.ErrNotFound), errors.Is(err, template.ErrNoBackupAvailable):
		code = codes.NotFound
	case errors.Is(err, template.ErrInvalidStructure),
		errors.Is(err, template.ErrContentTooLarge),
		errors.Is(err, template.ErrMissingVariables):
		code = codes.InvalidArgument
	case errors.Is(err, template.ErrDuplicateContent):
		code = codes.AlreadyExists
	case errors.Is(err, template.ErrPersistence):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}

	st := status.New(code, err.Error())
	if fields := template.FieldsOf(err); len(fields) > 0 && code == codes.InvalidArgument {
		br := &errdetails.BadRequest{}
		for _, f := range fields {
			br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
				Field:       f,
				Description: describeViolation(err),
			})
		}
		if detailed, derr := st.WithDetails(br); derr == nil {
			st = detailed
		}
	}
	return st.Err()
}

func describeViolation(err error) string {
	if errors.Is(err, template.ErrMissingVariables) {
		return "no binding supplied"
	}
	return "missing or invalid"
}
