package cast

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateTimeLayout 写库时使用的时间格式
const DateTimeLayout = "2006-01-02 15:04:05"

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	DateTimeLayout,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func registerDefaults(m *Manager) {
	m.Register("bool", toBool, boolForDB)
	m.Register("int", toInt, nil)
	m.Register("float", toFloat, nil)
	m.Register("decimal", toDecimal, toDecimal)
	m.Register("string", toString, nil)
	m.Register("json", fromJSON, toJSON)
	m.Register("array", toArray, toJSON)
	m.Register("datetime", toDateTime, dateTimeForDB)
}

func toBool(v any, _ ...string) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case int:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "", "0", "false", "f", "no", "n", "off":
			return false, nil
		default:
			return true, nil
		}
	case []byte:
		return toBool(string(x))
	}
	return nil, fmt.Errorf("cannot cast %T to bool", v)
}

func boolForDB(v any, _ ...string) (any, error) {
	b, err := toBool(v)
	if err != nil {
		return nil, err
	}
	if b.(bool) {
		return 1, nil
	}
	return 0, nil
}

func toInt(v any, _ ...string) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	case []byte:
		return toInt(string(x))
	}
	return nil, fmt.Errorf("cannot cast %T to int", v)
}

func toFloat(v any, _ ...string) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	case []byte:
		return toFloat(string(x))
	}
	return nil, fmt.Errorf("cannot cast %T to float", v)
}

// toDecimal 按 decimal:N 四舍五入到 N 位小数，默认 2 位
func toDecimal(v any, args ...string) (any, error) {
	f, err := toFloat(v)
	if err != nil {
		return nil, err
	}
	places := 2
	if len(args) > 0 && args[0] != "" {
		if places, err = strconv.Atoi(args[0]); err != nil {
			return nil, fmt.Errorf("invalid decimal places %q", args[0])
		}
	}
	pow := math.Pow10(places)
	return math.Round(f.(float64)*pow) / pow, nil
}

func toString(v any, _ ...string) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case time.Time:
		return x.Format(DateTimeLayout), nil
	}
	return fmt.Sprint(v), nil
}

func fromJSON(v any, _ ...string) (any, error) {
	var raw []byte
	switch x := v.(type) {
	case string:
		raw = []byte(x)
	case []byte:
		raw = x
	default:
		// 已经是结构化数据
		return v, nil
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toArray(v any, _ ...string) (any, error) {
	decoded, err := fromJSON(v)
	if err != nil {
		return nil, err
	}
	switch x := decoded.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return x, nil
	default:
		return []any{x}, nil
	}
}

func toJSON(v any, _ ...string) (any, error) {
	if s, ok := v.(string); ok && json.Valid([]byte(s)) {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func toDateTime(v any, _ ...string) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case int64:
		return time.Unix(x, 0).UTC(), nil
	case []byte:
		return toDateTime(string(x))
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range dateTimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("cannot parse datetime %q", x)
	}
	return nil, fmt.Errorf("cannot cast %T to datetime", v)
}

func dateTimeForDB(v any, _ ...string) (any, error) {
	t, err := toDateTime(v)
	if err != nil {
		return nil, err
	}
	return t.(time.Time).UTC().Format(DateTimeLayout), nil
}
