package language

import (
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

type (
	QueryDocument       = ast.QueryDocument
	OperationDefinition = ast.OperationDefinition
	OperationList       = ast.OperationList
	FragmentDefinition  = ast.FragmentDefinition
	VariableDefinition  = ast.VariableDefinition
	SelectionSet        = ast.SelectionSet
	Field               = ast.Field
	Position            = ast.Position
	Source              = ast.Source
)

type Operation = ast.Operation

const (
	Query        Operation = ast.Query
	Mutation     Operation = ast.Mutation
	Subscription Operation = ast.Subscription
)

// Error is the GraphQL error shape shared by parse failures and remote
// execution errors.
type (
	Error     = gqlerror.Error
	ErrorList = gqlerror.List
)
