package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"qa-chat/internal/domain"
)

const (
	pkPrefixUser = "USER#"
	skProfile    = "PROFILE#"

	defaultPollInterval = 3 * time.Second
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoDBStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoDBStore keeps every user's profile and transcript in one item.
type DynamoDBStore struct {
	api          dynamodbAPI
	tableName    string
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewDynamoDBStore creates a store over tableName. Watch polls every
// pollInterval; zero selects the default.
func NewDynamoDBStore(api dynamodbAPI, tableName string, pollInterval time.Duration, logger *slog.Logger) (*DynamoDBStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if logger == nil {
		return nil, errors.New("repository: logger must not be nil")
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &DynamoDBStore{
		api:          api,
		tableName:    tableName,
		pollInterval: pollInterval,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// userPK returns the DynamoDB partition key for a user profile.
func userPK(uid string) string {
	return pkPrefixUser + uid
}

func profileKey(uid string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: userPK(uid)},
		"SK": &types.AttributeValueMemberS{Value: skProfile},
	}
}

// Load reads the transcript with a consistent read. A missing profile is an
// empty transcript.
func (s *DynamoDBStore) Load(ctx context.Context, identity domain.Identity) (domain.Snapshot, error) {
	uid, err := requireUser(identity)
	if err != nil {
		return domain.Snapshot{}, err
	}
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            profileKey(uid),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("repository: Load get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Snapshot{}, nil
	}
	snap, err := itemToSnapshot(out.Item)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("repository: Load decode: %w", err)
	}
	var dropped int
	snap.Messages, dropped = keepValid(snap.Messages)
	if dropped > 0 {
		s.logger.Warn("dropped invalid remote messages", "uid", uid, "count", dropped)
	}
	return snap, nil
}

// Save replaces the transcript and bumps the version, only if the profile
// exists.
func (s *DynamoDBStore) Save(ctx context.Context, identity domain.Identity, messages []domain.Message) (domain.Snapshot, error) {
	uid, err := requireUser(identity)
	if err != nil {
		return domain.Snapshot{}, err
	}
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 profileKey(uid),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		UpdateExpression:    aws.String("SET messages = :messages, updatedAt = :now ADD version :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":messages": messagesAttr(messages),
			":now":      &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().UnixMilli(), 10)},
			":one":      &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return domain.Snapshot{}, fmt.Errorf("repository: Save: %w", ErrProfileNotFound)
		}
		return domain.Snapshot{}, fmt.Errorf("repository: Save: %w", err)
	}
	var version int64
	if out != nil {
		if version, err = int64Attr(out.Attributes, "version"); err != nil {
			return domain.Snapshot{}, fmt.Errorf("repository: Save decode version: %w", err)
		}
	}
	return domain.Snapshot{Messages: domain.Clone(messages), Version: version}, nil
}

// InitProfile creates the profile item or refreshes its identity fields.
// createdAt, messages and version are only set when absent.
func (s *DynamoDBStore) InitProfile(ctx context.Context, user domain.User) error {
	if user.UID == "" {
		return errors.New("repository: InitProfile: uid is required")
	}
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key:       profileKey(user.UID),
		UpdateExpression: aws.String("SET email = :email, displayName = :name, photoURL = :photo, " +
			"createdAt = if_not_exists(createdAt, :now), messages = if_not_exists(messages, :empty), " +
			"version = if_not_exists(version, :zero)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":email": &types.AttributeValueMemberS{Value: user.Email},
			":name":  &types.AttributeValueMemberS{Value: user.DisplayName},
			":photo": &types.AttributeValueMemberS{Value: user.PhotoURL},
			":now":   &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().UnixMilli(), 10)},
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":zero":  &types.AttributeValueMemberN{Value: "0"},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: InitProfile: %w", err)
	}
	return nil
}

// Watch polls the item and calls fn whenever its version changes, starting
// with the current state. Poll errors are logged and retried on the next tick.
func (s *DynamoDBStore) Watch(ctx context.Context, identity domain.Identity, fn func(domain.Snapshot)) (func(), error) {
	if _, err := requireUser(identity); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		last := int64(-1)
		for {
			snap, err := s.Load(ctx, identity)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				s.logger.Warn("transcript poll failed", "uid", identity.User.UID, "err", err)
			case snap.Version != last:
				last = snap.Version
				fn(snap)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel, nil
}

func itemToSnapshot(item map[string]types.AttributeValue) (domain.Snapshot, error) {
	version, err := int64Attr(item, "version")
	if err != nil {
		return domain.Snapshot{}, err
	}
	raw, ok := item["messages"]
	if !ok {
		return domain.Snapshot{Version: version}, nil
	}
	list, ok := raw.(*types.AttributeValueMemberL)
	if !ok {
		return domain.Snapshot{}, errors.New("repository: attribute \"messages\" is not a list")
	}
	msgs := make([]domain.Message, 0, len(list.Value))
	for i, v := range list.Value {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			return domain.Snapshot{}, fmt.Errorf("repository: messages[%d] is not a map", i)
		}
		msg, err := itemToMessage(m.Value)
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("repository: messages[%d]: %w", i, err)
		}
		msgs = append(msgs, msg)
	}
	return domain.Snapshot{Messages: msgs, Version: version}, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	sender, err := strAttr(item, "sender")
	if err != nil {
		return domain.Message{}, err
	}
	ts, err := int64Attr(item, "timestamp")
	if err != nil {
		return domain.Message{}, err
	}
	status, _ := strAttr(item, "status") // allow empty
	return domain.Message{
		ID:        id,
		Content:   content,
		Sender:    domain.Sender(sender),
		Timestamp: ts,
		Status:    domain.Status(status),
	}, nil
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id":        &types.AttributeValueMemberS{Value: msg.ID},
		"content":   &types.AttributeValueMemberS{Value: msg.Content},
		"sender":    &types.AttributeValueMemberS{Value: string(msg.Sender)},
		"timestamp": &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.Timestamp, 10)},
		"status":    &types.AttributeValueMemberS{Value: string(msg.Status)},
	}
}

func messagesAttr(msgs []domain.Message) *types.AttributeValueMemberL {
	list := make([]types.AttributeValue, 0, len(msgs))
	for _, m := range msgs {
		list = append(list, &types.AttributeValueMemberM{Value: messageItem(m)})
	}
	return &types.AttributeValueMemberL{Value: list}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

// int64Attr reads a number attribute; a missing attribute reads as zero, which
// covers records written before versions were tracked.
func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, nil
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
