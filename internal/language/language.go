package language

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

var (
	ErrNoOperation        = errors.New("language: document has no operation")
	ErrAmbiguousOperation = errors.New("language: operation name required for multi-operation document")
)

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Print renders doc in canonical GraphQL text. Hosts receive this text
// rather than the parsed document.
func Print(doc *QueryDocument) string {
	if doc == nil {
		return ""
	}
	var sb strings.Builder
	formatter.NewFormatter(&sb).FormatQueryDocument(doc)
	return sb.String()
}

// SelectOperation picks the operation named name, or the only operation when
// name is empty.
func SelectOperation(doc *QueryDocument, name string) (*OperationDefinition, error) {
	if doc == nil || len(doc.Operations) == 0 {
		return nil, ErrNoOperation
	}
	if name == "" {
		if len(doc.Operations) > 1 {
			return nil, ErrAmbiguousOperation
		}
		return doc.Operations[0], nil
	}
	if op := doc.Operations.ForName(name); op != nil {
		return op, nil
	}
	return nil, fmt.Errorf("language: unknown operation %q", name)
}
