// Package dynamodb implements the NodeRepository against DynamoDB.
// Optimistic concurrency maps to conditional writes on the Version
// attribute; the referential constraints of the abstract backend map to
// transactional condition checks asserting the referenced items exist.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"treedoc-backend/internal/domain/node"
	"treedoc-backend/internal/repository"
)

// NodeRepository stores nodes in a single DynamoDB table keyed by node id,
// with GSIs on ParentID and ContainerNodeID for structural queries.
type NodeRepository struct {
	client         *dynamodb.Client
	tableName      string
	containerIndex string
	logger         *zap.Logger
}

var _ repository.NodeRepository = (*NodeRepository)(nil)

// NewNodeRepository creates a DynamoDB-backed node repository.
func NewNodeRepository(client *dynamodb.Client, tableName, containerIndex string, logger *zap.Logger) *NodeRepository {
	return &NodeRepository{
		client:         client,
		tableName:      tableName,
		containerIndex: containerIndex,
		logger:         logger.Named("dynamodb_repository"),
	}
}

// nodeItem is the stored shape of a node.
type nodeItem struct {
	PK              string         `dynamodbav:"PK"`
	NodeType        string         `dynamodbav:"NodeType"`
	Content         string         `dynamodbav:"Content"`
	Properties      map[string]any `dynamodbav:"Properties,omitempty"`
	ParentID        string         `dynamodbav:"ParentID,omitempty"`
	BeforeSiblingID string         `dynamodbav:"BeforeSiblingID,omitempty"`
	ContainerNodeID string         `dynamodbav:"ContainerNodeID,omitempty"`
	Version         int            `dynamodbav:"Version"`
	CreatedAt       string         `dynamodbav:"CreatedAt"`
	ModifiedAt      string         `dynamodbav:"ModifiedAt"`
	Mentions        []string       `dynamodbav:"Mentions,omitempty"`
}

func nodePK(id string) string {
	return "NODE#" + id
}

func itemFromNode(n *node.Node) *nodeItem {
	return &nodeItem{
		PK:              nodePK(n.ID),
		NodeType:        n.NodeType,
		Content:         n.Content,
		Properties:      n.Properties,
		ParentID:        n.ParentID,
		BeforeSiblingID: n.BeforeSiblingID,
		ContainerNodeID: n.ContainerNodeID,
		Version:         n.Version,
		CreatedAt:       n.CreatedAt.UTC().Format(time.RFC3339Nano),
		ModifiedAt:      n.ModifiedAt.UTC().Format(time.RFC3339Nano),
		Mentions:        n.Mentions,
	}
}

func (it *nodeItem) toNode() *node.Node {
	createdAt, _ := time.Parse(time.RFC3339Nano, it.CreatedAt)
	modifiedAt, _ := time.Parse(time.RFC3339Nano, it.ModifiedAt)
	return &node.Node{
		ID:              strings.TrimPrefix(it.PK, "NODE#"),
		NodeType:        it.NodeType,
		Content:         it.Content,
		Properties:      it.Properties,
		ParentID:        it.ParentID,
		BeforeSiblingID: it.BeforeSiblingID,
		ContainerNodeID: it.ContainerNodeID,
		Version:         it.Version,
		CreatedAt:       createdAt,
		ModifiedAt:      modifiedAt,
		Mentions:        it.Mentions,
	}
}

// refChecks builds transactional condition checks asserting every
// structural reference already exists as an item.
func (r *NodeRepository) refChecks(refs []string) []types.TransactWriteItem {
	items := make([]types.TransactWriteItem, 0, len(refs))
	for _, ref := range refs {
		items = append(items, types.TransactWriteItem{
			ConditionCheck: &types.ConditionCheck{
				TableName:           aws.String(r.tableName),
				Key:                 map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: nodePK(ref)}},
				ConditionExpression: aws.String("attribute_exists(PK)"),
			},
		})
	}
	return items
}

// CreateNode stores a new node, failing when the id already exists or a
// structural reference is missing.
func (r *NodeRepository) CreateNode(ctx context.Context, n *node.Node) (string, error) {
	item, err := attributevalue.MarshalMap(itemFromNode(n))
	if err != nil {
		return "", fmt.Errorf("failed to marshal node %s: %w", n.ID, err)
	}

	put := types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(r.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		},
	}
	transact := append(r.refChecks(n.StructuralRefs()), put)

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: transact,
	})
	if err != nil {
		return "", r.mapWriteError(err, n.ID, n.Version, n.StructuralRefs())
	}
	return n.ID, nil
}

// UpdateNode applies a partial change set under a Version condition.
func (r *NodeRepository) UpdateNode(ctx context.Context, id string, expectedVersion int, changes node.Changes) (*node.Node, error) {
	update := expression.Set(expression.Name("Version"), expression.Value(expectedVersion+1)).
		Set(expression.Name("ModifiedAt"), expression.Value(time.Now().UTC().Format(time.RFC3339Nano)))
	var refs []string
	if changes.Content != nil {
		update = update.Set(expression.Name("Content"), expression.Value(*changes.Content))
	}
	if changes.NodeType != nil {
		update = update.Set(expression.Name("NodeType"), expression.Value(*changes.NodeType))
	}
	update, refs = setPointerField(update, refs, "ParentID", changes.ParentID)
	update, refs = setPointerField(update, refs, "BeforeSiblingID", changes.BeforeSiblingID)
	update, refs = setPointerField(update, refs, "ContainerNodeID", changes.ContainerNodeID)
	if len(changes.Properties) > 0 {
		props, err := attributevalue.Marshal(changes.Properties)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal properties for node %s: %w", id, err)
		}
		update = update.Set(expression.Name("Properties"), expression.Value(props))
	}
	if changes.HasMentions {
		update = update.Set(expression.Name("Mentions"), expression.Value(changes.Mentions))
	}

	condition := expression.Equal(expression.Name("Version"), expression.Value(expectedVersion)).
		And(expression.AttributeExists(expression.Name("PK")))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(condition).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build update expression for node %s: %w", id, err)
	}

	if len(refs) > 0 {
		// Structural change: the referenced items must exist, so the whole
		// write becomes a transaction of condition checks plus the update.
		transact := append(r.refChecks(refs), types.TransactWriteItem{
			Update: &types.Update{
				TableName:                 aws.String(r.tableName),
				Key:                       map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: nodePK(id)}},
				UpdateExpression:          expr.Update(),
				ConditionExpression:       expr.Condition(),
				ExpressionAttributeNames:  expr.Names(),
				ExpressionAttributeValues: expr.Values(),
			},
		})
		if _, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: transact}); err != nil {
			return nil, r.mapWriteError(err, id, expectedVersion, refs)
		}
		return r.GetNode(ctx, id)
	}

	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: nodePK(id)}},
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return nil, r.mapWriteError(err, id, expectedVersion, nil)
	}

	var item nodeItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal updated node %s: %w", id, err)
	}
	return item.toNode(), nil
}

// setPointerField folds an optional structural pointer into the update
// expression: non-empty values are set and recorded as refs to check, empty
// values clear the attribute.
func setPointerField(update expression.UpdateBuilder, refs []string, attr string, value *string) (expression.UpdateBuilder, []string) {
	if value == nil {
		return update, refs
	}
	if *value == "" {
		return update.Remove(expression.Name(attr)), refs
	}
	return update.Set(expression.Name(attr), expression.Value(*value)), append(refs, *value)
}

// DeleteNode removes a node under a Version condition. expectedVersion zero
// skips the version check.
func (r *NodeRepository) DeleteNode(ctx context.Context, id string, expectedVersion int) error {
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: nodePK(id)}},
	}
	condition := expression.AttributeExists(expression.Name("PK"))
	if expectedVersion != 0 {
		condition = condition.And(expression.Equal(expression.Name("Version"), expression.Value(expectedVersion)))
	}
	expr, err := expression.NewBuilder().WithCondition(condition).Build()
	if err != nil {
		return fmt.Errorf("failed to build delete expression for node %s: %w", id, err)
	}
	input.ConditionExpression = expr.Condition()
	input.ExpressionAttributeNames = expr.Names()
	input.ExpressionAttributeValues = expr.Values()

	if _, err := r.client.DeleteItem(ctx, input); err != nil {
		return r.mapWriteError(err, id, expectedVersion, nil)
	}
	return nil
}

// GetNode fetches a single node.
func (r *NodeRepository) GetNode(ctx context.Context, id string) (*node.Node, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: nodePK(id)}},
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb GetItem failed for node %s: %w", id, err)
	}
	if out.Item == nil {
		return nil, repository.ErrNodeNotFound(id)
	}
	var item nodeItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node %s: %w", id, err)
	}
	return item.toNode(), nil
}

// GetChildren returns nodes whose ParentID matches. Children are sparse per
// parent, so a filtered scan is acceptable here; heavy callers go through
// the in-memory hierarchy index instead.
func (r *NodeRepository) GetChildren(ctx context.Context, parentID string) ([]*node.Node, error) {
	filter := expression.Equal(expression.Name("ParentID"), expression.Value(parentID))
	return r.scan(ctx, filter)
}

// GetNodesByContainer queries the container GSI.
func (r *NodeRepository) GetNodesByContainer(ctx context.Context, containerID string) ([]*node.Node, error) {
	keyEx := expression.Key("ContainerNodeID").Equal(expression.Value(containerID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyEx).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build container query: %w", err)
	}
	var nodes []*node.Node
	var startKey map[string]types.AttributeValue
	for {
		out, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(r.tableName),
			IndexName:                 aws.String(r.containerIndex),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb Query failed for container %s: %w", containerID, err)
		}
		var items []nodeItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal container nodes: %w", err)
		}
		for i := range items {
			nodes = append(nodes, items[i].toNode())
		}
		if out.LastEvaluatedKey == nil {
			return nodes, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// FindNodes runs the generic query surface.
func (r *NodeRepository) FindNodes(ctx context.Context, query repository.NodeQuery) ([]*node.Node, error) {
	if query.ID != "" {
		n, err := r.GetNode(ctx, query.ID)
		if repository.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []*node.Node{n}, nil
	}

	var conds []expression.ConditionBuilder
	if query.NodeType != "" {
		conds = append(conds, expression.Equal(expression.Name("NodeType"), expression.Value(query.NodeType)))
	}
	if query.ContentSubstring != "" {
		conds = append(conds, expression.Contains(expression.Name("Content"), query.ContentSubstring))
	}
	if query.Referenceable {
		conds = append(conds, expression.AttributeNotExists(expression.Name("ContainerNodeID")))
	}
	if len(conds) == 0 {
		conds = append(conds, expression.AttributeExists(expression.Name("PK")))
	}
	filter := conds[0]
	for _, c := range conds[1:] {
		filter = filter.And(c)
	}

	nodes, err := r.scan(ctx, filter)
	if err != nil {
		return nil, err
	}
	if query.Limit > 0 && len(nodes) > query.Limit {
		nodes = nodes[:query.Limit]
	}
	return nodes, nil
}

func (r *NodeRepository) scan(ctx context.Context, filter expression.ConditionBuilder) ([]*node.Node, error) {
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build scan expression: %w", err)
	}
	var nodes []*node.Node
	var startKey map[string]types.AttributeValue
	for {
		out, err := r.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(r.tableName),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb Scan failed: %w", err)
		}
		var items []nodeItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scanned nodes: %w", err)
		}
		for i := range items {
			nodes = append(nodes, items[i].toNode())
		}
		if out.LastEvaluatedKey == nil {
			return nodes, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// mapWriteError translates DynamoDB failures into the repository's typed
// errors so callers can distinguish version conflicts and missing
// references from transport problems.
func (r *NodeRepository) mapWriteError(err error, nodeID string, expectedVersion int, refs []string) error {
	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return repository.ErrVersionConflict(nodeID, expectedVersion, -1)
	}

	var txCancelled *types.TransactionCanceledException
	if errors.As(err, &txCancelled) {
		for i, reason := range txCancelled.CancellationReasons {
			if reason.Code == nil || *reason.Code != "ConditionalCheckFailed" {
				continue
			}
			// Reference checks come first in every transaction; the put
			// or update of the node itself is the final item.
			if i < len(refs) {
				return repository.ErrConstraint(nodeID, refs[i])
			}
			return repository.ErrVersionConflict(nodeID, expectedVersion, -1)
		}
	}

	r.logger.Warn("dynamodb write failed",
		zap.String("node_id", nodeID),
		zap.Error(err))
	return fmt.Errorf("dynamodb write failed for node %s: %w", nodeID, err)
}
