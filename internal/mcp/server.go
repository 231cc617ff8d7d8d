package mcp

import (
	"log"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/amalgam/sbfds/pkg/store"
)

func NewMCPServer(st *store.Store) *mcp.Server {
	service := NewService(st)

	s := mcp.NewServer(&mcp.Implementation{
		Name:    "Amalgam SBFDS",
		Version: "0.1.0",
	}, nil)

	// The query tool's schema is generated explicitly from QueryArgs with
	// jsonschema.For and passed as the tool's input schema unchanged; the
	// other tools let AddTool infer theirs.
	querySchema, err := jsonschema.For[QueryArgs](nil)
	if err != nil {
		log.Printf("WARNING: query tool schema generation failed: %v", err)
	}

	mcp.AddTool(s, &mcp.Tool{
		Name:        "query_entities",
		Description: "Run an ordered list of query conditions (predicates, statistics, nearest-neighbor and conviction searches) against the entity store.",
		InputSchema: querySchema,
	}, service.Query)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "add_entity",
		Description: "Add an entity with a set of labeled values (numbers, strings, or nulls).",
	}, service.AddEntity)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "remove_entity",
		Description: "Remove an entity by index. The last entity is relocated into the freed slot, so indices are stable only between mutations.",
	}, service.RemoveEntity)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "update_entity",
		Description: "Set or overwrite one labeled value on an existing entity.",
	}, service.UpdateEntity)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "store_stats",
		Description: "Report entity, column, and interned-string counts.",
	}, service.Stats)

	return s
}
