// Package dynamo is a change feed stored in a DynamoDB table.
//
// Each record is one item keyed by id. A counter item hands out a monotonic
// sequence number for every write, and a fetch scans for items whose
// sequence lies between a floor taken from the caller's cursor and the
// counter value read when the fetch started.
//
// A writer takes its sequence number before it stores the item, so a fetch
// can read a counter value whose items have not all landed yet. The cursor
// therefore remembers that counter value with the time it was read, and it
// only becomes the floor once SettleWindow has passed. Until then fetches
// rescan from the previous floor; the merge on the client is idempotent.
//
// Deletions are stored as tombstone items so they appear in the feed.
package dynamo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/rapportapp/rapport/internal/model"
	"github.com/rapportapp/rapport/internal/remote"
	"github.com/rapportapp/rapport/internal/wire"
)

// counterID is the key of the item holding the feed sequence.
const counterID = "__feed_seq__"

// API is the subset of the DynamoDB client the backend uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Config holds backend configuration.
type Config struct {
	Table  string
	Region string
	// Endpoint overrides the service endpoint, e.g. for DynamoDB Local.
	Endpoint string
	// PollInterval is how often Subscribe checks the counter.
	PollInterval time.Duration
	// SettleWindow bounds how long a write may take between taking its
	// sequence number and storing its item. Zero uses the default; a
	// negative value trusts every counter value immediately.
	SettleWindow time.Duration
	Logger       *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Table:        "rapport-sync",
		Region:       "us-east-1",
		PollInterval: 15 * time.Second,
		SettleWindow: 2 * time.Minute,
	}
}

// item is the stored form of a record.
type item struct {
	ID        string            `dynamodbav:"id"`
	Type      string            `dynamodbav:"type"`
	UpdatedNs int64             `dynamodbav:"updated_ns"`
	Fields    map[string]string `dynamodbav:"fields,omitempty"`
	Deleted   bool              `dynamodbav:"deleted"`
	Seq       int64             `dynamodbav:"seq"`
}

func (it item) record() wire.Record {
	return wire.Record{
		Type:      model.Kind(it.Type),
		ID:        it.ID,
		UpdatedAt: time.Unix(0, it.UpdatedNs).UTC(),
		Fields:    it.Fields,
	}
}

// pageToken continues a scan.
type pageToken struct {
	Snapshot int64  `json:"s"`
	Floor    int64  `json:"f"`
	Next     string `json:"n"`
	LastID   string `json:"k,omitempty"`
}

// position is a decoded cursor: items above Floor are rescanned, and Seq,
// read from the counter at At, becomes the floor once it has settled.
type position struct {
	Floor int64
	Seq   int64
	At    int64 // unix nanoseconds, zero when Seq is already settled
}

func parseCursor(s string) (position, error) {
	if s == "" {
		return position{}, nil
	}
	parts := strings.Split(s, ".")
	nums := make([]int64, len(parts))
	for i, part := range parts {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil || n < 0 {
			return position{}, fmt.Errorf("malformed cursor %q", s)
		}
		nums[i] = n
	}
	switch len(nums) {
	case 1:
		return position{Floor: nums[0], Seq: nums[0]}, nil
	case 3:
		if nums[0] > nums[1] {
			return position{}, fmt.Errorf("cursor floor above snapshot in %q", s)
		}
		return position{Floor: nums[0], Seq: nums[1], At: nums[2]}, nil
	}
	return position{}, fmt.Errorf("malformed cursor %q", s)
}

func (p position) String() string {
	if p.At == 0 {
		return strconv.FormatInt(p.Seq, 10)
	}
	return fmt.Sprintf("%d.%d.%d", p.Floor, p.Seq, p.At)
}

// Backend is a remote.Backend over DynamoDB.
type Backend struct {
	api    API
	cfg    Config
	logger *zap.Logger

	now func() time.Time

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
}

var _ remote.Backend = (*Backend)(nil)

// New builds a backend from the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithAPI(client, cfg), nil
}

// NewWithAPI builds a backend over an existing client.
func NewWithAPI(api API, cfg Config) *Backend {
	def := DefaultConfig()
	if cfg.Table == "" {
		cfg.Table = def.Table
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.SettleWindow == 0 {
		cfg.SettleWindow = def.SettleWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		api:    api,
		cfg:    cfg,
		logger: logger.Named("dynamo"),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

// EnsureTable creates the table when it does not exist.
func (b *Backend) EnsureTable(ctx context.Context) error {
	_, err := b.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(b.cfg.Table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe table: %w", err)
	}

	_, err = b.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(b.cfg.Table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	b.logger.Info("created table", zap.String("table", b.cfg.Table))
	return nil
}

func (b *Backend) AccountStatus(ctx context.Context) (remote.AccountStatus, error) {
	_, err := b.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(b.cfg.Table)})
	if err == nil {
		return remote.StatusAvailable, nil
	}
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return remote.StatusNoAccount, nil
	}
	return "", fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
}

func (b *Backend) counter(ctx context.Context) (int64, error) {
	out, err := b.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.cfg.Table),
		Key:            key(counterID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read counter: %v", remote.ErrUnavailable, err)
	}
	if out.Item == nil {
		return 0, nil
	}
	var c struct {
		Seq int64 `dynamodbav:"seq"`
	}
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return 0, fmt.Errorf("failed to decode counter: %w", err)
	}
	return c.Seq, nil
}

func (b *Backend) nextSeq(ctx context.Context) (int64, error) {
	update := expression.Add(expression.Name("seq"), expression.Value(1))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return 0, fmt.Errorf("failed to build update: %w", err)
	}
	out, err := b.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(b.cfg.Table),
		Key:                       key(counterID),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: failed to advance sequence: %v", remote.ErrUnavailable, err)
	}
	var c struct {
		Seq int64 `dynamodbav:"seq"`
	}
	if err := attributevalue.UnmarshalMap(out.Attributes, &c); err != nil {
		return 0, fmt.Errorf("failed to decode sequence: %w", err)
	}
	return c.Seq, nil
}

func key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

func decodeToken(s string) (pageToken, error) {
	var t pageToken
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return t, err
	}
	err = json.Unmarshal(data, &t)
	return t, err
}

func encodeToken(t pageToken) string {
	data, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(data)
}

func (b *Backend) FetchChanges(ctx context.Context, req remote.FetchRequest) (remote.ChangePage, error) {
	pos, err := parseCursor(req.Cursor)
	if err != nil {
		return remote.ChangePage{}, fmt.Errorf("%v: %w", err, remote.ErrCursorExpired)
	}

	var tok pageToken
	if req.PageToken != "" {
		if tok, err = decodeToken(req.PageToken); err != nil {
			return remote.ChangePage{}, fmt.Errorf("invalid page token: %w", err)
		}
	} else {
		snapshot, err := b.counter(ctx)
		if err != nil {
			return remote.ChangePage{}, err
		}
		if pos.Seq > snapshot {
			return remote.ChangePage{}, remote.ErrCursorExpired
		}
		tok = b.plan(pos, snapshot)
	}
	start := tok.Floor

	limit := req.Limit
	if limit <= 0 {
		limit = remote.DefaultPageSize
	}

	filter := expression.Name("seq").GreaterThan(expression.Value(start)).
		And(expression.Name("seq").LessThanEqual(expression.Value(tok.Snapshot))).
		And(expression.Name("id").NotEqual(expression.Value(counterID)))
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return remote.ChangePage{}, fmt.Errorf("failed to build filter: %w", err)
	}

	page := remote.ChangePage{}
	lastID := tok.LastID
	// A scan's Limit counts items read before filtering, so keep reading
	// until the page is full or the table is exhausted.
	for n := 0; n < limit; {
		in := &dynamodb.ScanInput{
			TableName:                 aws.String(b.cfg.Table),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			Limit:                     aws.Int32(int32(limit - n)),
			ConsistentRead:            aws.Bool(true),
		}
		if lastID != "" {
			in.ExclusiveStartKey = key(lastID)
		}

		out, err := b.api.Scan(ctx, in)
		if err != nil {
			return remote.ChangePage{}, fmt.Errorf("%w: scan failed: %v", remote.ErrUnavailable, err)
		}

		for _, raw := range out.Items {
			var it item
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return remote.ChangePage{}, fmt.Errorf("failed to decode item: %w", err)
			}
			// Repeat the filter so partial implementations of the API
			// stay correct.
			if it.ID == counterID || it.Seq <= start || it.Seq > tok.Snapshot {
				continue
			}
			n++
			if it.Deleted {
				page.Deleted = append(page.Deleted, it.ID)
			} else {
				page.Changed = append(page.Changed, it.record())
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			page.Cursor = tok.Next
			return page, nil
		}
		var last struct {
			ID string `dynamodbav:"id"`
		}
		if err := attributevalue.UnmarshalMap(out.LastEvaluatedKey, &last); err != nil {
			return remote.ChangePage{}, fmt.Errorf("failed to decode scan key: %w", err)
		}
		lastID = last.ID
	}

	page.MoreComing = true
	tok.LastID = lastID
	page.NextPageToken = encodeToken(tok)
	return page, nil
}

// plan picks the scan floor for a fetch starting at pos and the cursor to
// hand back once the fetch completes.
func (b *Backend) plan(pos position, snapshot int64) pageToken {
	if b.cfg.SettleWindow < 0 {
		return pageToken{
			Snapshot: snapshot,
			Floor:    pos.Seq,
			Next:     position{Floor: snapshot, Seq: snapshot}.String(),
		}
	}

	now := b.now()
	floor, pending := pos.Floor, pos
	if pos.At == 0 || now.Sub(time.Unix(0, pos.At)) >= b.cfg.SettleWindow {
		floor = pos.Seq
		pending = position{Floor: floor, Seq: snapshot, At: now.UnixNano()}
	}
	return pageToken{Snapshot: snapshot, Floor: floor, Next: pending.String()}
}

func (b *Backend) load(ctx context.Context, id string) (*item, error) {
	out, err := b.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.cfg.Table),
		Key:            key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", remote.ErrUnavailable, id, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", id, err)
	}
	return &it, nil
}

// put writes it unless a concurrent writer stored something newer or
// deleted it in the meantime.
func (b *Backend) put(ctx context.Context, it item) error {
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", it.ID, err)
	}
	cond := expression.AttributeNotExists(expression.Name("id")).
		Or(expression.And(
			expression.Name("updated_ns").LessThanEqual(expression.Value(it.UpdatedNs)),
			expression.Name("deleted").Equal(expression.Value(false)),
		))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build condition: %w", err)
	}

	_, err = b.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(b.cfg.Table),
		Item:                      av,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return remote.ErrStaleRecord
	}
	if err != nil {
		return fmt.Errorf("%w: failed to write %s: %v", remote.ErrUnavailable, it.ID, err)
	}
	return nil
}

func (b *Backend) Upsert(ctx context.Context, records []wire.Record) ([]remote.RecordResult, error) {
	results := make([]remote.RecordResult, len(records))
	for i, rec := range records {
		results[i].ID = rec.ID
		if rec.ID == counterID {
			results[i].Err = fmt.Errorf("reserved id %q", rec.ID)
			continue
		}

		stored, err := b.load(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		var existing *wire.Record
		if stored != nil && !stored.Deleted {
			r := stored.record()
			existing = &r
		}
		if err := remote.CheckWrite(rec, existing, stored != nil && stored.Deleted); err != nil {
			results[i].Err = err
			continue
		}
		if remote.Unchanged(rec, existing) {
			continue
		}

		seq, err := b.nextSeq(ctx)
		if err != nil {
			return nil, err
		}
		err = b.put(ctx, item{
			ID:        rec.ID,
			Type:      string(rec.Type),
			UpdatedNs: rec.UpdatedAt.UnixNano(),
			Fields:    rec.Fields,
			Seq:       seq,
		})
		if errors.Is(err, remote.ErrStaleRecord) {
			results[i].Err = err
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	stored, err := b.load(ctx, id)
	if err != nil {
		return err
	}
	if stored == nil || stored.Deleted {
		return nil
	}
	seq, err := b.nextSeq(ctx)
	if err != nil {
		return err
	}

	av, err := attributevalue.MarshalMap(item{
		ID:        id,
		Type:      stored.Type,
		UpdatedNs: time.Now().UnixNano(),
		Deleted:   true,
		Seq:       seq,
	})
	if err != nil {
		return fmt.Errorf("failed to encode tombstone: %w", err)
	}
	if _, err := b.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.cfg.Table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("%w: failed to delete %s: %v", remote.ErrUnavailable, id, err)
	}
	return nil
}

// Subscribe polls the counter and signals when it moves.
func (b *Backend) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("backend closed: %w", remote.ErrUnavailable)
	}

	last, err := b.counter(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(b.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case <-ticker.C:
				seq, err := b.counter(ctx)
				if err != nil {
					b.logger.Debug("poll failed", zap.Error(err))
					continue
				}
				if seq != last {
					last = seq
					select {
					case ch <- struct{}{}:
					default:
					}
				}
			}
		}
	}()
	return ch, nil
}

// Close stops every subscription.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.stop)
	}
	return nil
}
