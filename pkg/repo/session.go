package repo

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// CypherResult is the subset of neo4j.ResultWithContext the stores read.
type CypherResult interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

// CypherRunner runs a single statement, inside or outside a transaction.
type CypherRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error)
}

// CypherSession is a unit of work against the graph database.
type CypherSession interface {
	CypherRunner
	ExecuteWrite(ctx context.Context, work func(tx CypherRunner) (any, error)) (any, error)
	Close(ctx context.Context) error
}

// SessionOpener hands out sessions. Tests substitute recording fakes.
type SessionOpener interface {
	OpenSession(ctx context.Context) CypherSession
}

// DriverOpener opens real driver sessions.
type DriverOpener struct {
	Driver   neo4j.DriverWithContext
	Database string
}

// NewDriverOpener wraps a neo4j driver.
func NewDriverOpener(driver neo4j.DriverWithContext) *DriverOpener {
	return &DriverOpener{Driver: driver}
}

func (o *DriverOpener) OpenSession(ctx context.Context) CypherSession {
	return &driverSession{sess: o.Driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: o.Database})}
}

type driverSession struct {
	sess neo4j.SessionWithContext
}

func (s *driverSession) Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error) {
	return s.sess.Run(ctx, cypher, params)
}

func (s *driverSession) ExecuteWrite(ctx context.Context, work func(tx CypherRunner) (any, error)) (any, error) {
	return s.sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return work(txRunner{tx: tx})
	})
}

func (s *driverSession) Close(ctx context.Context) error {
	return s.sess.Close(ctx)
}

type txRunner struct {
	tx neo4j.ManagedTransaction
}

func (r txRunner) Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error) {
	return r.tx.Run(ctx, cypher, params)
}

// StrProp reads a string property, returning "" when absent or mistyped.
func StrProp(props map[string]any, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// IntProp reads an integer property. The driver returns int64.
func IntProp(props map[string]any, key string) int {
	switch v := props[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// BoolProp reads a boolean property.
func BoolProp(props map[string]any, key string) bool {
	b, _ := props[key].(bool)
	return b
}

// StringsProp reads a list-of-strings property.
func StringsProp(props map[string]any, key string) []string {
	switch v := props[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
