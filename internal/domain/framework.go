package domain

import "strings"

// Framework is the declared application framework of a deployment.
type Framework string

// Kind classifies how the edge serves a framework.
type Kind int

const (
	KindUnknown Kind = iota
	KindStatic
	KindReverseProxy
	KindCompute
)

const (
	FrameworkStatic       Framework = "static"
	FrameworkReverseProxy Framework = "reverse-proxy"
	FrameworkNode         Framework = "nodejs"
	FrameworkNext         Framework = "nextjs"
	FrameworkNuxt         Framework = "nuxt"
	FrameworkExpress      Framework = "express"
	FrameworkReactSSR     Framework = "react-ssr"
	FrameworkPython       Framework = "python"
	FrameworkDjango       Framework = "django"
	FrameworkFlask        Framework = "flask"
	FrameworkFastAPI      Framework = "fastapi"
	FrameworkGo           Framework = "go"
	FrameworkPHP          Framework = "php"
	FrameworkRuby         Framework = "ruby"
	FrameworkRails        Framework = "rails"
	FrameworkDocker       Framework = "docker"
)

var computeFrameworks = map[Framework]struct{}{
	FrameworkNode:     {},
	FrameworkNext:     {},
	FrameworkNuxt:     {},
	FrameworkExpress:  {},
	FrameworkReactSSR: {},
	FrameworkPython:   {},
	FrameworkDjango:   {},
	FrameworkFlask:    {},
	FrameworkFastAPI:  {},
	FrameworkGo:       {},
	FrameworkPHP:      {},
	FrameworkRuby:     {},
	FrameworkRails:    {},
	FrameworkDocker:   {},
}

// ParseFramework normalises a descriptor value.
func ParseFramework(value string) Framework {
	return Framework(strings.ToLower(strings.TrimSpace(value)))
}

// Kind reports the serving class of f. Unknown frameworks return KindUnknown.
func (f Framework) Kind() Kind {
	switch f {
	case FrameworkStatic:
		return KindStatic
	case FrameworkReverseProxy:
		return KindReverseProxy
	}
	if _, ok := computeFrameworks[f]; ok {
		return KindCompute
	}
	return KindUnknown
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindReverseProxy:
		return "reverse-proxy"
	case KindCompute:
		return "compute"
	default:
		return "unknown"
	}
}
