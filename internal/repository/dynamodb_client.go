package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/emajidev/agent-transactional-chat/internal/domain"
)

const (
	skPrefixMsg   = "MSG#"
	skMeta        = "META#"
	counterPK     = "COUNTER#conversation"
	ttlDuration   = 30 * 24 * time.Hour // 30-day TTL
	msgTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table holding conversations and their messages.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID int64) string {
	return "CONV#" + strconv.FormatInt(conversationID, 10)
}

// msgSK returns a sort key that orders lexically by time, then by seq.
func msgSK(ts time.Time, seq int) string {
	return fmt.Sprintf("%s%s#%02d", skPrefixMsg, ts.UTC().Format(msgTimeLayout), seq)
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// CreateConversation allocates a new conversation id and writes its META item.
func (c *Client) CreateConversation(ctx context.Context, userID int64) (domain.Conversation, error) {
	id, err := c.nextConversationID(ctx)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	now := c.now().UTC()
	conv := domain.Conversation{
		ID:           id,
		UserID:       userID,
		Status:       domain.ConversationActive,
		StartedAt:    now,
		LastActivity: now,
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                c.metaItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation put: %w", err)
	}
	return conv, nil
}

func (c *Client) nextConversationID(ctx context.Context) (int64, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: counterPK},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression: aws.String("ADD seq :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	if out == nil {
		return 0, errors.New("allocate id: empty response")
	}
	return int64Attr(out.Attributes, "seq")
}

// GetConversation reads a conversation META item.
func (c *Client) GetConversation(ctx context.Context, conversationID int64) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, domain.ErrConversationNotFound
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return conv, nil
}

// UpdateStatus moves a conversation between active, completed and abandoned.
func (c *Client) UpdateStatus(ctx context.Context, conversationID int64, status domain.ConversationStatus) error {
	now := c.now().UTC().Format(time.RFC3339)
	expr := "SET #status = :status, lastActivity = :now"
	if status == domain.ConversationActive {
		expr += " REMOVE endedAt"
	} else {
		expr += ", endedAt = :now"
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                c.tableNamePtr(),
		Key:                      metaKey(conversationID),
		UpdateExpression:         aws.String(expr),
		ConditionExpression:      aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
			":now":    &types.AttributeValueMemberS{Value: now},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: UpdateStatus: %w", notFoundOr(err))
	}
	return nil
}

// SaveNegotiation mirrors the in-flight transfer fields onto the META item.
func (c *Client) SaveNegotiation(ctx context.Context, st domain.ConversationState) error {
	names := map[string]string{
		"#currency": "currency",
		"#pending":  "confirmationPending",
		"#activity": "lastActivity",
		"#phone":    "recipientPhone",
		"#amount":   "amount",
	}
	values := map[string]types.AttributeValue{
		":currency": &types.AttributeValueMemberS{Value: st.Currency},
		":pending":  &types.AttributeValueMemberBOOL{Value: st.ConfirmationPending},
		":now":      &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339)},
	}
	set := []string{"#currency = :currency", "#pending = :pending", "#activity = :now"}
	var remove []string
	if st.RecipientPhone != "" {
		set = append(set, "#phone = :phone")
		values[":phone"] = &types.AttributeValueMemberS{Value: st.RecipientPhone}
	} else {
		remove = append(remove, "#phone")
	}
	if st.Amount != nil {
		set = append(set, "#amount = :amount")
		values[":amount"] = &types.AttributeValueMemberN{Value: st.Amount.String()}
	} else {
		remove = append(remove, "#amount")
	}
	if st.TransactionID != "" {
		names["#txid"] = "transactionId"
		set = append(set, "#txid = :txid")
		values[":txid"] = &types.AttributeValueMemberS{Value: st.TransactionID}
	}

	expr := "SET " + strings.Join(set, ", ")
	if len(remove) > 0 {
		expr += " REMOVE " + strings.Join(remove, ", ")
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 c.tableNamePtr(),
		Key:                       metaKey(st.ConversationID),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("repository: SaveNegotiation: %w", notFoundOr(err))
	}
	return nil
}

// GetHistory returns up to limit of the newest messages in chronological order.
func (c *Client) GetHistory(ctx context.Context, conversationID int64, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              c.tableNamePtr(),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetHistory query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetHistory unmarshal: %w", err)
		}
		msg.ConversationID = conversationID
		msgs = append(msgs, msg)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SaveTurn writes the user message and the assistant reply of one turn and
// touches the META item, all in one transaction. Both messages are stamped
// with startedAt so they sort before anything appended while the turn ran.
// A zero startedAt means now.
func (c *Client) SaveTurn(ctx context.Context, conversationID int64, userText, reply string, startedAt time.Time) error {
	if strings.TrimSpace(userText) == "" || strings.TrimSpace(reply) == "" {
		return errors.New("repository: SaveTurn: user text and reply are required")
	}
	now := c.now().UTC()
	at := startedAt.UTC()
	if startedAt.IsZero() {
		at = now
	}
	items := []types.TransactWriteItem{
		c.putMessage(domain.Message{ConversationID: conversationID, Role: domain.RoleUser, Content: userText, CreatedAt: at}, 0),
		c.putMessage(domain.Message{ConversationID: conversationID, Role: domain.RoleAssistant, Content: reply, CreatedAt: at}, 1),
		c.touchMeta(conversationID, now),
	}
	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("repository: SaveTurn: %w", err)
	}
	return nil
}

// AppendMessage adds a single message outside of a chat turn.
func (c *Client) AppendMessage(ctx context.Context, conversationID int64, role, content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("repository: AppendMessage: content is required")
	}
	now := c.now().UTC()
	items := []types.TransactWriteItem{
		c.putMessage(domain.Message{ConversationID: conversationID, Role: role, Content: content, CreatedAt: now}, 0),
		c.touchMeta(conversationID, now),
	}
	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

func (c *Client) putMessage(msg domain.Message, seq int) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: c.tableNamePtr(),
			Item: map[string]types.AttributeValue{
				"PK":        &types.AttributeValueMemberS{Value: convPK(msg.ConversationID)},
				"SK":        &types.AttributeValueMemberS{Value: msgSK(msg.CreatedAt, seq)},
				"role":      &types.AttributeValueMemberS{Value: msg.Role},
				"content":   &types.AttributeValueMemberS{Value: msg.Content},
				"createdAt": &types.AttributeValueMemberS{Value: msg.CreatedAt.Format(time.RFC3339Nano)},
				"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)},
			},
			ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
		},
	}
}

func (c *Client) touchMeta(conversationID int64, now time.Time) types.TransactWriteItem {
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:           c.tableNamePtr(),
			Key:                 metaKey(conversationID),
			UpdateExpression:    aws.String("SET lastActivity = :now"),
			ConditionExpression: aws.String("attribute_exists(PK)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			},
		},
	}
}

func (c *Client) tableNamePtr() *string {
	return aws.String(c.tableName)
}

func metaKey(conversationID int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func notFoundOr(err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: %v", domain.ErrConversationNotFound, err)
	}
	return err
}

func (c *Client) metaItem(conv domain.Conversation) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":                  &types.AttributeValueMemberS{Value: convPK(conv.ID)},
		"SK":                  &types.AttributeValueMemberS{Value: skMeta},
		"conversationId":      &types.AttributeValueMemberN{Value: strconv.FormatInt(conv.ID, 10)},
		"userId":              &types.AttributeValueMemberN{Value: strconv.FormatInt(conv.UserID, 10)},
		"status":              &types.AttributeValueMemberS{Value: string(conv.Status)},
		"startedAt":           &types.AttributeValueMemberS{Value: conv.StartedAt.Format(time.RFC3339)},
		"lastActivity":        &types.AttributeValueMemberS{Value: conv.LastActivity.Format(time.RFC3339)},
		"confirmationPending": &types.AttributeValueMemberBOOL{Value: conv.ConfirmationPending},
		"ttl":                 &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)},
	}
	if conv.Currency != "" {
		item["currency"] = &types.AttributeValueMemberS{Value: conv.Currency}
	}
	return item
}

// itemToConversation converts a META attribute map to a Conversation.
func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := int64Attr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	userID, err := int64Attr(item, "userId")
	if err != nil {
		return domain.Conversation{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Conversation{}, err
	}

	conv := domain.Conversation{
		ID:     id,
		UserID: userID,
		Status: domain.ConversationStatus(status),
	}
	conv.StartedAt = timeAttr(item, "startedAt")
	conv.LastActivity = timeAttr(item, "lastActivity")
	if ended := timeAttr(item, "endedAt"); !ended.IsZero() {
		conv.EndedAt = &ended
	}
	conv.RecipientPhone, _ = strAttr(item, "recipientPhone") // allow empty
	conv.Currency, _ = strAttr(item, "currency")
	conv.TransactionID, _ = strAttr(item, "transactionId")
	if v, ok := item["confirmationPending"].(*types.AttributeValueMemberBOOL); ok {
		conv.ConfirmationPending = v.Value
	}
	if v, ok := item["amount"].(*types.AttributeValueMemberN); ok {
		amount, err := decimal.NewFromString(v.Value)
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("repository: parse attribute %q: %w", "amount", err)
		}
		conv.Amount = &amount
	}
	return conv, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		Role:      role,
		Content:   content,
		CreatedAt: timeAttr(item, "createdAt"),
	}, nil
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

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
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

func timeAttr(item map[string]types.AttributeValue, key string) time.Time {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
