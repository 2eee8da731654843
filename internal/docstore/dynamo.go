package docstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"quizcache/pkg/logging/logging"
)

// DynamoMaxTransactItems is the TransactWriteItems item limit.
const DynamoMaxTransactItems = 100

// DynamoAPI is the subset of *dynamodb.Client used by Dynamo.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

type DynamoConfig struct {
	// required
	TableName string

	KeyAttribute string        // partition key attribute (default: "PK")
	MaxRetries   int           // retry attempts for transient errors (default: 2)
	BaseBackoff  time.Duration // initial backoff (default: 100ms)
	// re-read and rebuild attempts when a document changed underneath a commit (default: 3)
	MaxConflictRetries int
}

// Validate checks required fields only.
func (c *DynamoConfig) Validate() error {
	if c.TableName == "" {
		return errors.New("TableName is required")
	}
	return nil
}

// WithDefaults returns a copy of DynamoConfig with defaults applied.
func (c *DynamoConfig) WithDefaults() DynamoConfig {
	cfg := *c
	if cfg.KeyAttribute == "" {
		cfg.KeyAttribute = "PK"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 3
	}
	return cfg
}

// Item attributes maintained by Dynamo next to the document fields.
const (
	versionAttribute = "_ver" // bumped on every write
	txnAttribute     = "_txn" // idempotency token of the last transaction
)

// Dynamo stores every collection in a single table keyed by
// "<collection>#<id>", one item per document with nested fields as maps.
//
// Commit is read-modify-write: the touched documents are read, the
// operations are applied to them exactly as the in-memory store does, and
// each document is written back once with a Put or Delete conditioned on
// the version that was read. A concurrent change fails the condition and
// the commit is rebuilt from a fresh read.
type Dynamo struct {
	client DynamoAPI
	cfg    DynamoConfig
	logger *zap.Logger
}

func NewDynamo(client DynamoAPI, cfg DynamoConfig, logger *zap.Logger) (*Dynamo, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if client == nil {
		return nil, errors.New("dynamodb client is required")
	}
	return &Dynamo{
		client: client,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("docstore.dynamo"),
	}, nil
}

// MaxOperations implements Limiter.
func (d *Dynamo) MaxOperations() int { return DynamoMaxTransactItems }

func (d *Dynamo) key(collection, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		d.cfg.KeyAttribute: &types.AttributeValueMemberS{Value: collection + "#" + id},
	}
}

func (d *Dynamo) Get(ctx context.Context, collection, id string) (Document, error) {
	cur, err := d.read(ctx, docRef{collection, id})
	if err != nil {
		return nil, err
	}
	if !cur.exists {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return cur.doc, nil
}

// current is a document as read before a commit.
type current struct {
	doc     Document
	exists  bool
	version int64
	txn     string
}

func (d *Dynamo) read(ctx context.Context, ref docRef) (current, error) {
	var out *dynamodb.GetItemOutput
	err := doWithRetry(ctx, d.logger, d.cfg.MaxRetries, d.cfg.BaseBackoff, func(ctx context.Context) error {
		var err error
		out, err = d.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(d.cfg.TableName),
			Key:            d.key(ref.collection, ref.id),
			ConsistentRead: aws.Bool(true),
		})
		return err
	})
	if err != nil {
		return current{}, fmt.Errorf("dynamodb get %s/%s: %w", ref.collection, ref.id, err)
	}
	if out == nil || len(out.Item) == 0 {
		return current{}, nil
	}

	cur := current{exists: true}
	if v, ok := out.Item[versionAttribute].(*types.AttributeValueMemberN); ok {
		cur.version, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	if t, ok := out.Item[txnAttribute].(*types.AttributeValueMemberS); ok {
		cur.txn = t.Value
	}

	doc := Document{}
	if err := attributevalue.UnmarshalMap(out.Item, &doc); err != nil {
		return current{}, fmt.Errorf("dynamodb decode %s/%s: %w", ref.collection, ref.id, err)
	}
	delete(doc, d.cfg.KeyAttribute)
	delete(doc, versionAttribute)
	delete(doc, txnAttribute)
	cur.doc = doc
	return cur, nil
}

// Commit writes ops as one transaction holding one item per touched
// document. With a token from WithIdempotencyToken, a transaction that
// already landed is recognised on the next attempt and not applied again.
func (d *Dynamo) Commit(ctx context.Context, ops []Operation) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > DynamoMaxTransactItems {
		return fmt.Errorf("%w: transaction has %d operations, max %d",
			ErrInvalidOperation, len(ops), DynamoMaxTransactItems)
	}
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	token, _ := IdempotencyToken(ctx)

	var err error
	for attempt := 0; attempt <= d.cfg.MaxConflictRetries; attempt++ {
		err = d.commitOnce(ctx, ops, token)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		d.logger.Debug("documents changed during commit, re-reading",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return err
}

func (d *Dynamo) commitOnce(ctx context.Context, ops []Operation, token string) error {
	read := make(map[docRef]current)
	for _, op := range ops {
		ref := docRef{op.Collection, op.DocID}
		if _, ok := read[ref]; ok {
			continue
		}
		cur, err := d.read(ctx, ref)
		if err != nil {
			return err
		}
		if token != "" && cur.txn == token {
			d.logger.Info("transaction already applied", zap.String("token", token))
			return nil
		}
		read[ref] = cur
	}

	s, err := stage(ops, func(ref docRef) (Document, bool) {
		cur := read[ref]
		return cur.doc, cur.exists
	})
	if err != nil {
		return err
	}

	items := make([]types.TransactWriteItem, 0, len(s.order))
	for _, ref := range s.order {
		item, err := d.writeItem(ref, s, read[ref], token)
		if err != nil {
			return fmt.Errorf("%s/%s: %w", ref.collection, ref.id, err)
		}
		items = append(items, item)
	}

	input := &dynamodb.TransactWriteItemsInput{TransactItems: items}
	if token != "" {
		input.ClientRequestToken = aws.String(requestToken(token, s.order, read))
	}

	err = doWithRetry(ctx, d.logger, d.cfg.MaxRetries, d.cfg.BaseBackoff, func(ctx context.Context) error {
		_, err := d.client.TransactWriteItems(ctx, input)
		return err
	})
	if err != nil {
		if conditionFailed(err) {
			return fmt.Errorf("dynamodb transaction: %w: %w", ErrConflict, err)
		}
		return fmt.Errorf("dynamodb transaction: %w", err)
	}
	return nil
}

// writeItem builds the Put or Delete for one staged document, conditioned on
// the item still being in the state it was read in.
func (d *Dynamo) writeItem(ref docRef, s *staged, cur current, token string) (types.TransactWriteItem, error) {
	table := aws.String(d.cfg.TableName)
	expr, err := expression.NewBuilder().WithCondition(d.unchanged(cur)).Build()
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("build condition: %w", err)
	}

	doc, ok := s.docs[ref]
	if !ok {
		return types.TransactWriteItem{Delete: &types.Delete{
			TableName:                 table,
			Key:                       d.key(ref.collection, ref.id),
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		}}, nil
	}

	item, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal document: %w", err)
	}
	for k, v := range d.key(ref.collection, ref.id) {
		item[k] = v
	}
	item[versionAttribute] = &types.AttributeValueMemberN{Value: strconv.FormatInt(cur.version+1, 10)}
	if token != "" {
		item[txnAttribute] = &types.AttributeValueMemberS{Value: token}
	}
	return types.TransactWriteItem{Put: &types.Put{
		TableName:                 table,
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}}, nil
}

func (d *Dynamo) unchanged(cur current) expression.ConditionBuilder {
	pk := expression.Name(d.cfg.KeyAttribute)
	ver := expression.Name(versionAttribute)
	switch {
	case !cur.exists:
		return pk.AttributeNotExists()
	case cur.version == 0:
		// written by something other than Dynamo
		return pk.AttributeExists().And(ver.AttributeNotExists())
	default:
		return ver.Equal(expression.Value(cur.version))
	}
}

// requestToken derives the ClientRequestToken from the caller's token and
// the versions read. A resubmission of an identical transaction reuses it;
// a transaction rebuilt from newer versions gets a new one.
func requestToken(token string, order []docRef, read map[docRef]current) string {
	var b strings.Builder
	b.WriteString(token)
	for _, ref := range order {
		fmt.Fprintf(&b, "|%s#%s@%d", ref.collection, ref.id, read[ref].version)
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(b.String())).String()
}

func conditionFailed(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	for _, r := range tce.CancellationReasons {
		if r.Code != nil && *r.Code == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}
