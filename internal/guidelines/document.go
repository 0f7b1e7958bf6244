package guidelines

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

type matchRoleType int

const (
	matchDestination matchRoleType = iota
	matchRoute
)

// docParser walks a guidelines JSON document, compiling match expressions
// and collecting every error prefixed with its JSON scope.
type docParser struct {
	rpd    *rpd
	parser parser
	ctx    Context

	errs  []string
	scope []string

	// zero-value scope structs so parse-mode verification can resolve
	// every variable
	session SessionInfo
	server  ServerInfo
	sql     SqlInfo
	router  RouterInfo
}

func newDocParser() *docParser {
	d := &docParser{rpd: &rpd{}}
	d.ctx.SetSessionInfo(&d.session)
	d.ctx.SetServerInfo(&d.server)
	d.ctx.SetSqlInfo(&d.sql)
	d.ctx.SetRouterInfo(&d.router)
	return d
}

func (d *docParser) pushScope(s string) func() {
	if len(d.scope) == 0 {
		d.scope = append(d.scope, s)
	} else {
		d.scope = append(d.scope, "."+s)
	}
	return func() { d.scope = d.scope[:len(d.scope)-1] }
}

func (d *docParser) pushIndex(i int) func() {
	d.scope = append(d.scope, fmt.Sprintf("[%d]", i))
	return func() { d.scope = d.scope[:len(d.scope)-1] }
}

func (d *docParser) addError(msg string) {
	scope := strings.Join(d.scope, "")
	if scope != "" {
		scope += ": "
	}
	d.errs = append(d.errs, scope+msg)
}

func (d *docParser) isStringValue(elem gjson.Result) bool {
	if elem.Type != gjson.String {
		d.addError("field is expected to be a string")
		return false
	}
	if elem.Str == "" {
		d.addError("field is expected to be a non empty string")
		return false
	}
	return true
}

func (d *docParser) isObjectValue(elem gjson.Result) bool {
	if !elem.IsObject() {
		d.addError("field is expected to be an object")
		return false
	}
	return true
}

func (d *docParser) isBoolValue(elem gjson.Result) bool {
	if !elem.IsBool() {
		d.addError("field is expected to be boolean")
		return false
	}
	return true
}

func (d *docParser) isArrayValue(elem gjson.Result) bool {
	if !elem.IsArray() {
		d.addError("field is expected to be an array")
		return false
	}
	if len(elem.Array()) == 0 {
		d.addError("field is expected to be a non empty array")
		return false
	}
	return true
}

// parseDocument compiles a whole guidelines document into an immutable
// snapshot.
func parseDocument(document string) (*rpd, error) {
	d := newDocParser()

	if !gjson.Valid(document) {
		d.addError("incorrect JSON document")
		return nil, &ParseError{Errors: d.errs}
	}
	root := gjson.Parse(document)
	if !root.IsObject() {
		d.addError("routing guidelines needs to be specified as a JSON document")
		return nil, &ParseError{Errors: d.errs}
	}

	versionField := root.Get("version")
	if versionField.Exists() && versionField.Type == gjson.String {
		version, err := ParseVersion(versionField.Str)
		if err != nil {
			d.addError("version: " + err.Error())
		} else if !VersionCompatible(SupportedVersion(), version) {
			d.addError(fmt.Sprintf(
				"version: unsupported routing guidelines document version: %s, supported: %s",
				version, SupportedVersion()))
		} else {
			d.rpd.version = version
			d.ctx.version = version
		}
	} else {
		d.addError("'version' field not defined")
	}

	root.ForEach(func(key, value gjson.Result) bool {
		pop := d.pushScope(key.Str)
		defer pop()
		switch key.Str {
		case "version":
			// handled above
		case "destinations":
			d.parseRules(value)
		case "routes":
			d.parseRoutes(value)
		case "name":
			if d.isStringValue(value) {
				d.rpd.name = value.Str
			}
		default:
			d.addError("Unexpected field, only 'version', 'name', 'destinations', and 'routes' are allowed")
		}
		return true
	})

	if len(d.rpd.destNames) == 0 {
		d.addError("no destination classes defined by the document")
	}
	if len(d.rpd.routes) == 0 {
		d.addError("no routes defined by the document")
	}

	// every class referenced by a route must be defined
	if len(d.errs) == 0 {
		pop := d.pushScope("routes")
		for _, route := range d.rpd.routes {
			for _, group := range route.DestinationGroups {
				for _, class := range group.Classes {
					if !contains(d.rpd.destNames, class) {
						d.addError(fmt.Sprintf(
							"undefined destination class '%s' found in route '%s'",
							class, route.Name))
					}
				}
			}
		}
		pop()
	}

	if len(d.errs) > 0 {
		return nil, &ParseError{Errors: d.errs}
	}

	d.rpd.document = document
	d.rpd.extendedSessionInfo = d.parser.extendedSessionInfo
	d.rpd.sessionRandUsed = d.parser.sessionRandUsed
	return d.rpd, nil
}

func contains(list []string, s string) bool {
	for _, el := range list {
		if el == s {
			return true
		}
	}
	return false
}

// parseMatchingRule compiles one match expression, validating the scope
// restrictions and recording hostnames that need resolving.
func (d *docParser) parseMatchingRule(matchStr string, roleType matchRoleType) *Expression {
	exp, err := d.parser.parse(matchStr, &d.ctx)
	if err != nil {
		d.addError(err.Error())
		return nil
	}

	for _, tok := range exp.rpn {
		var refName string
		switch tok.typ {
		case tokVarRef:
			refName = varName(tok)
		case tokTagRef:
			refName = tok.str
		case tokResolveV4, tokResolveV6:
			ver := IPv4
			if tok.typ == tokResolveV6 {
				ver = IPv6
			}
			d.recordHostname(ResolveHost{Address: tok.str, IPVersion: ver})
			continue
		default:
			continue
		}

		switch roleType {
		case matchDestination:
			if strings.HasPrefix(refName, "session") {
				d.addError(refName + " may not be used in 'destinations' context")
			}
			if strings.HasPrefix(refName, "sql") {
				d.addError(refName + " may not be used in 'destinations' context")
			}
		case matchRoute:
			if strings.HasPrefix(refName, "server") {
				d.addError(refName + " may not be used in 'routes' context")
			}
		}
	}

	if !exp.Verify(&d.ctx) {
		d.addError("match does not evaluate to boolean")
		return nil
	}
	return exp
}

func (d *docParser) recordHostname(host ResolveHost) {
	for _, h := range d.rpd.hostnames {
		if h == host {
			return
		}
	}
	d.rpd.hostnames = append(d.rpd.hostnames, host)
}

// parseDestEntry parses one destinations object ({name, match}).
func (d *docParser) parseDestEntry(rule gjson.Result) (string, *Expression) {
	var name string
	var match *Expression
	nameDefined, matchDefined := false, false

	rule.ForEach(func(key, value gjson.Result) bool {
		pop := d.pushScope(key.Str)
		defer pop()
		switch key.Str {
		case "name":
			nameDefined = true
			if d.isStringValue(value) {
				name = value.Str
			}
		case "match":
			matchDefined = true
			if d.isStringValue(value) {
				match = d.parseMatchingRule(value.Str, matchDestination)
			}
		default:
			d.addError("unexpected field name, only 'name' and 'match' are allowed")
		}
		return true
	})

	if !nameDefined {
		d.addError("'name' field not defined")
	}
	if !matchDefined {
		d.addError("'match' field not defined")
	}
	return name, match
}

func (d *docParser) parseRules(elem gjson.Result) {
	if !d.isArrayValue(elem) {
		return
	}
	for i, rule := range elem.Array() {
		pop := d.pushIndex(i)
		if !d.isObjectValue(rule) {
			pop()
			continue
		}

		name, match := d.parseDestEntry(rule)
		if name != "" && match != nil && !match.empty() {
			if contains(d.rpd.destNames, name) {
				d.addError("'" + name + "' class was already defined")
			} else {
				d.rpd.destNames = append(d.rpd.destNames, name)
				d.rpd.destRules = append(d.rpd.destRules, match)
			}
		}
		pop()
	}
}

func (d *docParser) parseRoutes(elem gjson.Result) {
	if !d.isArrayValue(elem) {
		return
	}
	for i, route := range elem.Array() {
		pop := d.pushIndex(i)
		d.parseRoute(route)
		pop()
	}
}

func (d *docParser) parseRoute(elem gjson.Result) {
	if !d.isObjectValue(elem) {
		return
	}

	var (
		routeName      string
		routeMatch     *Expression
		groups         []DestinationGroup
		sharingAllowed *bool
		enabled        = true

		nameDefined, matchDefined, destsDefined bool
	)

	elem.ForEach(func(key, value gjson.Result) bool {
		pop := d.pushScope(key.Str)
		defer pop()
		switch key.Str {
		case "destinations":
			destsDefined = true
			groups = d.parseRouteDestinations(value)
		case "match":
			matchDefined = true
			if d.isStringValue(value) {
				routeMatch = d.parseMatchingRule(value.Str, matchRoute)
			}
		case "name":
			nameDefined = true
			if d.isStringValue(value) {
				routeName = value.Str
			}
		case "enabled":
			if d.isBoolValue(value) {
				enabled = value.Bool()
			}
		case "connectionSharingAllowed":
			if d.isBoolValue(value) {
				v := value.Bool()
				sharingAllowed = &v
			}
		default:
			d.addError("unexpected field, only 'name', 'connectionSharingAllowed', 'enabled', 'match' and 'destinations' are allowed")
		}
		return true
	})

	if !nameDefined {
		d.addError("'name' field not defined")
	}
	if !matchDefined {
		d.addError("'match' field not defined")
	}
	if !destsDefined {
		d.addError("'destinations' field not defined")
	}

	if routeMatch != nil && !routeMatch.empty() && len(groups) > 0 {
		for _, existing := range d.rpd.routes {
			if existing.Name == routeName {
				d.addError("'" + routeName + "' route was already defined")
				return
			}
		}
		d.rpd.routes = append(d.rpd.routes, &Route{
			Name:                     routeName,
			Match:                    routeMatch,
			DestinationGroups:        groups,
			ConnectionSharingAllowed: sharingAllowed,
			Enabled:                  enabled,
		})
	}
}

func (d *docParser) parseRouteDestinations(elem gjson.Result) []DestinationGroup {
	var ret []DestinationGroup
	if !d.isArrayValue(elem) {
		return ret
	}
	for i, obj := range elem.Array() {
		pop := d.pushIndex(i)
		if !d.isObjectValue(obj) {
			pop()
			continue
		}

		var group DestinationGroup
		classesDefined, strategyDefined := false, false

		obj.ForEach(func(key, value gjson.Result) bool {
			popKey := d.pushScope(key.Str)
			defer popKey()
			switch key.Str {
			case "strategy":
				strategyDefined = true
				if d.isStringValue(value) {
					if contains(RoutingStrategies, value.Str) {
						group.Strategy = value.Str
					} else {
						d.addError("unexpected value '" + value.Str +
							"', supported strategies: " + strings.Join(RoutingStrategies, ", "))
					}
				}
			case "classes":
				classesDefined = true
				if d.isArrayValue(value) {
					for j, class := range value.Array() {
						popClass := d.pushIndex(j)
						if d.isStringValue(class) {
							group.Classes = append(group.Classes, class.Str)
						}
						popClass()
					}
				}
			case "priority":
				if value.Type == gjson.Number && value.Num >= 0 && value.Num == float64(uint64(value.Num)) {
					group.Priority = uint64(value.Num)
				} else {
					d.addError("field is expected to be a positive integer")
				}
			default:
				d.addError("unexpected field name, only 'classes', 'strategy' and 'priority' are allowed")
			}
			return true
		})

		if !classesDefined {
			d.addError("'classes' field not defined")
		}
		if !strategyDefined {
			d.addError("'strategy' field not defined")
		}
		if len(group.Classes) > 0 && group.Strategy != "" {
			ret = append(ret, group)
		}
		pop()
	}
	return ret
}

const schemaTemplate = `{
  "$schema":"https://json-schema.org/draft/2020-12/schema",
  "title":"Routing guidelines engine document schema",
  "type":"object",
  "properties":{
    "name":{
      "description":"Name of the routing guidelines document",
      "type":"string"
    },
    "version":{
      "description":"Version of the routing guidelines document",
      "type":"string"
    },
    "destinations":{
      "description":"Entries representing set of MySQL server instances",
      "type":"array",
      "items":{
        "type":"object",
        "properties":{
          "name":{
            "description":"Unique name of the given destinations entry",
            "type":"string"
          },
          "match":{
            "description":"Matching criteria for destinations class",
            "type":"string"
          }
        },
        "required":[
          "name",
          "match"
        ]
      },
      "minItems":1,
      "uniqueItems":true
    },
    "routes":{
      "description":"Routes entries that are binding destinations with connection matching criteria",
      "type":"array",
      "items":{
        "type":"object",
        "properties":{
          "name":{
            "description":"Name of the route",
            "type":"string"
          },
          "connectionSharingAllowed":{
            "type":"boolean"
          },
          "enabled":{
            "type":"boolean"
          },
          "match":{
            "description":"Connection matching criteria",
            "type":"string"
          },
          "destinations":{
            "description":"Destination groups used for routing, by order of preference",
            "type":"array",
            "items":{
              "type":"object",
              "properties":{
                "classes":{
                  "description":"Destination group",
                  "type":"array",
                  "items":{
                    "description":"Reference to 'name' entries in the 'destinations' section",
                    "type":"string"
                  }
                },
                "strategy":{
                  "description":"Routing strategy that will be used for this route",
                  "type":"string",
                  "enum":[
                    "round-robin",
                    "first-available"
                  ]
                },
                "priority":{
                  "description":"Priority of the given group",
                  "type":"integer",
                  "minimum":0
                }
              },
              "required":[
                "classes",
                "strategy",
                "priority"
              ],
              "minItems":1,
              "uniqueItems":true
            }
          }
        },
        "required":[
          "name",
          "match",
          "destinations"
        ],
        "minItems":1,
        "uniqueItems":true
      }
    }
  },
  "required":[
    "version",
    "destinations",
    "routes"
  ],
  "additionalProperties": false,

  "match_rules":{
    "keywords":{
      "type": "array",
      "items":{
          "type": "string",
          "enum": %s
      }
    },
    "functions":{
      "type": "array",
      "items":{
          "type": "string",
          "enum": %s
      }
    },
    "variables":{
      "type": "array",
      "items":{
          "type": "string",
          "enum": %s
      }
    }
  }
}`
