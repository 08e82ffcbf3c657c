// Package h1ast converts protocol heads to and from shape AST nodes, so
// captured traffic can flow through shape-based schema tooling and
// transformation pipelines without a custom codec per tool.
package h1ast

import (
	"fmt"

	"github.com/shapestone/shape-core/pkg/ast"

	"github.com/shapestone/shape-h1/pkg/h1"
)

var zeroPos = ast.Position{}

// RequestToNode converts a request head plus optional body to an AST
// ObjectNode.
func RequestToNode(head *h1.RequestHead, body []byte) ast.SchemaNode {
	props := map[string]ast.SchemaNode{
		"type":    ast.NewLiteralNode("request", zeroPos),
		"method":  ast.NewLiteralNode(head.Method, zeroPos),
		"target":  ast.NewLiteralNode(head.Target, zeroPos),
		"version": ast.NewLiteralNode(head.Version.String(), zeroPos),
		"headers": headersToNode(head.Headers),
	}
	if body != nil {
		props["body"] = ast.NewLiteralNode(string(body), zeroPos)
	}
	return ast.NewObjectNode(props, zeroPos)
}

// ResponseToNode converts a response head plus optional body to an AST
// ObjectNode.
func ResponseToNode(head *h1.ResponseHead, body []byte) ast.SchemaNode {
	props := map[string]ast.SchemaNode{
		"type":       ast.NewLiteralNode("response", zeroPos),
		"version":    ast.NewLiteralNode(head.Version.String(), zeroPos),
		"statusCode": ast.NewLiteralNode(int64(head.Status), zeroPos),
		"reason":     ast.NewLiteralNode(head.Reason, zeroPos),
		"headers":    headersToNode(head.Headers),
	}
	if body != nil {
		props["body"] = ast.NewLiteralNode(string(body), zeroPos)
	}
	return ast.NewObjectNode(props, zeroPos)
}

// NodeToRequest converts an AST ObjectNode back to a request head and
// body. The node must carry a "type" property of "request".
func NodeToRequest(node ast.SchemaNode) (*h1.RequestHead, []byte, error) {
	props, err := messageProps(node, "request")
	if err != nil {
		return nil, nil, err
	}
	head := &h1.RequestHead{}
	if head.Method, err = stringProp(props, "method"); err != nil {
		return nil, nil, err
	}
	if head.Target, err = stringProp(props, "target"); err != nil {
		return nil, nil, err
	}
	if head.Version, err = versionProp(props); err != nil {
		return nil, nil, err
	}
	if head.Headers, err = nodeToHeaders(props["headers"]); err != nil {
		return nil, nil, err
	}
	body, err := bodyProp(props)
	if err != nil {
		return nil, nil, err
	}
	return head, body, nil
}

// NodeToResponse converts an AST ObjectNode back to a response head and
// body. The node must carry a "type" property of "response".
func NodeToResponse(node ast.SchemaNode) (*h1.ResponseHead, []byte, error) {
	props, err := messageProps(node, "response")
	if err != nil {
		return nil, nil, err
	}
	head := &h1.ResponseHead{}
	statusNode, ok := props["statusCode"]
	if !ok {
		return nil, nil, fmt.Errorf("h1ast: missing 'statusCode' property")
	}
	lit, ok := statusNode.(*ast.LiteralNode)
	if !ok {
		return nil, nil, fmt.Errorf("h1ast: 'statusCode' is not a literal")
	}
	code, ok := lit.Value().(int64)
	if !ok {
		return nil, nil, fmt.Errorf("h1ast: 'statusCode' is not an integer")
	}
	head.Status = int(code)
	if head.Reason, err = stringProp(props, "reason"); err != nil {
		return nil, nil, err
	}
	if head.Version, err = versionProp(props); err != nil {
		return nil, nil, err
	}
	if head.Headers, err = nodeToHeaders(props["headers"]); err != nil {
		return nil, nil, err
	}
	body, err := bodyProp(props)
	if err != nil {
		return nil, nil, err
	}
	return head, body, nil
}

func messageProps(node ast.SchemaNode, wantType string) (map[string]ast.SchemaNode, error) {
	obj, ok := node.(*ast.ObjectNode)
	if !ok {
		return nil, fmt.Errorf("h1ast: expected ObjectNode, got %T", node)
	}
	props := obj.Properties()
	got, err := stringProp(props, "type")
	if err != nil {
		return nil, err
	}
	if got != wantType {
		return nil, fmt.Errorf("h1ast: message type %q, want %q", got, wantType)
	}
	return props, nil
}

func stringProp(props map[string]ast.SchemaNode, key string) (string, error) {
	node, ok := props[key]
	if !ok {
		return "", fmt.Errorf("h1ast: missing %q property", key)
	}
	lit, ok := node.(*ast.LiteralNode)
	if !ok {
		return "", fmt.Errorf("h1ast: %q is not a literal", key)
	}
	s, ok := lit.Value().(string)
	if !ok {
		return "", fmt.Errorf("h1ast: %q is not a string", key)
	}
	return s, nil
}

func versionProp(props map[string]ast.SchemaNode) (h1.Version, error) {
	s, err := stringProp(props, "version")
	if err != nil {
		return 0, err
	}
	switch s {
	case "HTTP/1.0":
		return h1.VersionHTTP10, nil
	case "HTTP/1.1":
		return h1.VersionHTTP11, nil
	}
	return 0, fmt.Errorf("h1ast: unsupported version %q", s)
}

func bodyProp(props map[string]ast.SchemaNode) ([]byte, error) {
	node, ok := props["body"]
	if !ok {
		return nil, nil
	}
	lit, ok := node.(*ast.LiteralNode)
	if !ok {
		return nil, fmt.Errorf("h1ast: 'body' is not a literal")
	}
	s, ok := lit.Value().(string)
	if !ok {
		return nil, fmt.Errorf("h1ast: 'body' is not a string")
	}
	return []byte(s), nil
}

func headersToNode(headers h1.Headers) ast.SchemaNode {
	elements := make([]ast.SchemaNode, len(headers))
	for i, h := range headers {
		elements[i] = ast.NewObjectNode(map[string]ast.SchemaNode{
			"key":   ast.NewLiteralNode(h.Key, zeroPos),
			"value": ast.NewLiteralNode(h.Value, zeroPos),
		}, zeroPos)
	}
	return ast.NewArrayDataNode(elements, zeroPos)
}

func nodeToHeaders(node ast.SchemaNode) (h1.Headers, error) {
	if node == nil {
		return nil, fmt.Errorf("h1ast: missing 'headers' property")
	}
	arr, ok := node.(*ast.ArrayDataNode)
	if !ok {
		return nil, fmt.Errorf("h1ast: expected ArrayDataNode for headers, got %T", node)
	}
	elements := arr.Elements()
	headers := make(h1.Headers, 0, len(elements))
	for _, elem := range elements {
		obj, ok := elem.(*ast.ObjectNode)
		if !ok {
			return nil, fmt.Errorf("h1ast: header entry is %T, want ObjectNode", elem)
		}
		props := obj.Properties()
		key, err := stringProp(props, "key")
		if err != nil {
			return nil, err
		}
		value, err := stringProp(props, "value")
		if err != nil {
			return nil, err
		}
		headers = append(headers, h1.Header{Key: key, Value: value})
	}
	return headers, nil
}
