package cmrio

/*
MIT License

Copyright (c) 2015-2024 University Corporation for Atmospheric Research

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

import (
	"bytes"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
)

/*PropertyType is the coarse shape of a property value.  It only affects how a
value is displayed; storage is the same for all types.*/
type PropertyType int

//property value shapes
const (
	TypeString PropertyType = iota
	TypeNumber
	TypeBool
	TypeList
	TypeBytes
)

var propertyTypeNames = [...]string{"string", "number", "bool", "list", "bytes"}

func (t PropertyType) String() string {
	if t < 0 || int(t) >= len(propertyTypeNames) {
		return fmt.Sprintf("PropertyType(%d)", int(t))
	}
	return propertyTypeNames[t]
}

//listSeparators split TypeList values
const listSeparators = ",;"

/*InferType guesses a PropertyType from the shape of v.  Slices and arrays
are bytes.  A string containing a list separator is a list; otherwise a
string that parses as a number or a bool is one.*/
func InferType(v any) PropertyType {
	switch x := v.(type) {
	case nil:
		return TypeString
	case bool:
		return TypeBool
	case string:
		switch {
		case strings.ContainsAny(x, listSeparators):
			return TypeList
		case isNumber(x):
			return TypeNumber
		case isBool(x):
			return TypeBool
		}
		return TypeString
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Array:
		return TypeBytes
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return TypeNumber
	}
	return TypeString
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil
}

func isBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "false", "yes", "no", "on", "off":
		return true
	}
	return false
}

/*Property is one entry of a Properties bag*/
type Property struct {
	Key   string
	Type  PropertyType
	Value any
}

//Text renders the value the way Properties.String shows it
func (p Property) Text() string {
	switch v := p.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return fmt.Sprintf("% X", v)
	}
	return fmt.Sprint(p.Value)
}

/*Properties is a string keyed bag restricted to an allow-list.  Writes naming
a key outside the list wrap ErrUnsupportedKey and change nothing.  It is safe
for concurrent use.*/
type Properties struct {
	mu      sync.RWMutex
	allowed []string
	props   map[string]Property
}

//NewProperties returns an empty bag accepting only the allowed keys
func NewProperties(allowed ...string) *Properties {
	return &Properties{allowed: slices.Clone(allowed), props: make(map[string]Property)}
}

//Allowed is true if key may be set
func (p *Properties) Allowed(key string) bool {
	return slices.Contains(p.allowed, key)
}

func (p *Properties) check(key string) error {
	if !p.Allowed(key) {
		return errors.Wrapf(ErrUnsupportedKey, "%q (supported: %s)", key, strings.Join(p.allowed, ", "))
	}
	return nil
}

//Set stores value under key with an inferred type
func (p *Properties) Set(key string, value any) error {
	return p.SetTyped(key, InferType(value), value)
}

//SetTyped stores value under key with an explicit type
func (p *Properties) SetTyped(key string, t PropertyType, value any) error {
	if err := p.check(key); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.props[key] = Property{Key: key, Type: t, Value: value}
	return nil
}

/*SetAll stores every property in list, or none of them if any key is
unsupported*/
func (p *Properties) SetAll(list []Property) error {
	for _, prop := range list {
		if err := p.check(prop.Key); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, prop := range list {
		p.props[prop.Key] = prop
	}
	return nil
}

//Get returns the property stored under key
func (p *Properties) Get(key string) (Property, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prop, ok := p.props[key]
	return prop, ok
}

//Text returns key's value as text, trimmed; "" when unset
func (p *Properties) Text(key string) string {
	prop, ok := p.Get(key)
	if !ok {
		return ""
	}
	return strings.TrimSpace(prop.Text())
}

/*List splits key's value on commas and semicolons and trims each element.
A slice value is returned element by element.*/
func (p *Properties) List(key string) []string {
	prop, ok := p.Get(key)
	if !ok {
		return nil
	}
	if s, ok := prop.Value.(string); ok {
		fields := strings.FieldsFunc(s, func(r rune) bool { return strings.ContainsRune(listSeparators, r) })
		out := make([]string, 0, len(fields))
		for _, f := range fields {
			out = append(out, strings.TrimSpace(f))
		}
		return out
	}
	rv := reflect.ValueOf(prop.Value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]string, rv.Len())
		for i := range out {
			out[i] = fmt.Sprint(rv.Index(i).Interface())
		}
		return out
	}
	return []string{prop.Text()}
}

//Float returns key's value as a number, or def when unset or empty
func (p *Properties) Float(key string, def float64) (float64, error) {
	s := p.Text(key)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidArgument, "property %s: %q is not a number", key, s)
	}
	return f, nil
}

//Int returns key's value as an integer, or def when unset or empty
func (p *Properties) Int(key string, def int) (int, error) {
	s := p.Text(key)
	if s == "" {
		return def, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidArgument, "property %s: %q is not an integer", key, s)
	}
	return i, nil
}

//Keys returns the keys that have been set, sorted
func (p *Properties) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.props))
	for k := range p.props {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

/*String conforms to the fmt.Stringer interface*/
func (p *Properties) String() string {
	buf := bytes.NewBufferString("")
	tw := tablewriter.NewWriter(buf)
	tw.SetHeader([]string{"Key", "Type", "Value"})
	for _, k := range p.Keys() {
		prop, _ := p.Get(k)
		tw.Append([]string{k, prop.Type.String(), prop.Text()})
	}
	tw.Render()
	return buf.String()
}
