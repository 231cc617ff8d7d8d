package mcp

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/amalgam/sbfds/pkg/query"
	"github.com/amalgam/sbfds/pkg/store"
)

type Service struct {
	store *store.Store
}

func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// --- Tool Handlers ---

func (s *Service) Query(ctx context.Context, req *mcp.CallToolRequest, args QueryArgs) (*mcp.CallToolResult, QueryResult, error) {
	conds, err := query.ToConditions(args.Conditions, s.store)
	if err != nil {
		return nil, QueryResult{}, fmt.Errorf("invalid condition: %w", err)
	}
	res, err := s.store.Query(conds)
	if err != nil {
		return nil, QueryResult{}, err
	}

	out := QueryResult{
		RequestID: uuid.NewString(),
		Entities:  res.Entities,
		Exhausted: res.Exhausted,
	}
	if len(res.Distances) > 0 {
		out.Entities = out.Entities[:0]
		for _, d := range res.Distances {
			out.Entities = append(out.Entities, d.Entity)
			out.Values = append(out.Values, d.Distance)
		}
	}
	if res.HasScalar && !math.IsNaN(res.Scalar) {
		scalar := res.Scalar
		out.Scalar = &scalar
	}
	return nil, out, nil
}

func (s *Service) AddEntity(ctx context.Context, req *mcp.CallToolRequest, args AddEntityArgs) (*mcp.CallToolResult, AddEntityResult, error) {
	idx := s.store.AddEntity(args.Values, args.Seed)
	return nil, AddEntityResult{Entity: idx}, nil
}

func (s *Service) RemoveEntity(ctx context.Context, req *mcp.CallToolRequest, args RemoveEntityArgs) (*mcp.CallToolResult, RemoveEntityResult, error) {
	if err := s.store.RemoveEntity(args.Entity); err != nil {
		return nil, RemoveEntityResult{}, err
	}
	return nil, RemoveEntityResult{Status: "removed"}, nil
}

func (s *Service) UpdateEntity(ctx context.Context, req *mcp.CallToolRequest, args UpdateEntityArgs) (*mcp.CallToolResult, UpdateEntityResult, error) {
	if err := s.store.UpdateEntityLabel(args.Entity, args.Label, args.Value); err != nil {
		return nil, UpdateEntityResult{}, err
	}
	return nil, UpdateEntityResult{Status: "updated"}, nil
}

func (s *Service) Stats(ctx context.Context, req *mcp.CallToolRequest, args StatsArgs) (*mcp.CallToolResult, StatsResult, error) {
	return nil, StatsResult{
		Entities: s.store.NumEntities(),
		Columns:  s.store.NumColumns(),
		Strings:  s.store.Pool().NumStringsInUse(),
	}, nil
}
