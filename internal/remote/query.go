package remote

import (
	"net/url"
	"strconv"
	"strings"
)

// Query builds a bug search using the remote's boolean-chart parameters.
//
// Each condition takes the next chart index N and is encoded as fN (field),
// oN (operator) and vN (value). Groups are opened with fN=OP and closed with
// fN=CP; a group opened with OpenOr joins its members with jN=OR.
type Query struct {
	values url.Values
	n      int
}

// NewQuery returns an empty query.
func NewQuery() *Query {
	return &Query{values: url.Values{}}
}

func (q *Query) next() string {
	q.n++
	return strconv.Itoa(q.n)
}

// Where adds a field condition.
func (q *Query) Where(field, op, value string) *Query {
	n := q.next()
	q.values.Set("f"+n, field)
	q.values.Set("o"+n, op)
	q.values.Set("v"+n, value)
	return q
}

// OpenAnd opens a group whose conditions must all match.
func (q *Query) OpenAnd() *Query {
	q.values.Set("f"+q.next(), "OP")
	return q
}

// OpenOr opens a group of which any condition may match.
func (q *Query) OpenOr() *Query {
	n := q.next()
	q.values.Set("f"+n, "OP")
	q.values.Set("j"+n, "OR")
	return q
}

// Close closes the innermost open group.
func (q *Query) Close() *Query {
	q.values.Set("f"+q.next(), "CP")
	return q
}

// Set sets a plain parameter.
func (q *Query) Set(key, value string) *Query {
	q.values.Set(key, value)
	return q
}

// IncludeFields limits the fields returned for each bug.
func (q *Query) IncludeFields(fields ...string) *Query {
	q.values.Set("include_fields", strings.Join(fields, ","))
	return q
}

// Values returns a copy of the encoded parameters.
func (q *Query) Values() url.Values {
	out := make(url.Values, len(q.values))
	for k, v := range q.values {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Encode returns the URL-encoded query string.
func (q *Query) Encode() string {
	return q.values.Encode()
}

// JoinIDs renders ids as a comma-separated list.
func JoinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
