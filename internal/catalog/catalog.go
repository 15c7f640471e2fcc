package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownService is returned for ids or numbers outside the catalog.
var ErrUnknownService = errors.New("unknown service")

// Service is one entry of the fixed catalog. Number is what the assistant says out loud.
type Service struct {
	Number       int
	ID           string
	Name         string
	Description  string
	Highlights   []string
	MonthlyPrice int
}

// Services is the full catalog, ordered by number.
var Services = []Service{
	{1, "consulting-strategy", "Strategic Business Consulting", "Expert business transformation guidance",
		[]string{"Expert business transformation guidance", "Market analysis and competitive positioning"}, 299},
	{2, "consulting-tech", "Technology Advisory Services", "Technical consulting and optimization",
		[]string{"Technical consulting for digital transformation", "Cloud migration and tech stack optimization"}, 399},
	{3, "development-web", "Custom Web Development", "Full-stack web applications",
		[]string{"Full-stack web applications", "Design, development, and deployment"}, 499},
	{4, "development-mobile", "Mobile App Development", "Native and cross-platform apps",
		[]string{"Native and cross-platform apps", "iOS and Android with cloud integration"}, 599},
	{5, "design-ux", "UX/UI Design Services", "User experience and interface design",
		[]string{"User experience research and interface design", "Prototyping for web and mobile"}, 349},
	{6, "support-premium", "Premium Support Package", "24/7 dedicated support",
		[]string{"24/7 dedicated support", "Priority bug fixes and monthly consultations"}, 199},
	{7, "training-team", "Team Training & Workshops", "Customized training programs",
		[]string{"Customized training programs", "Latest technologies and methodologies"}, 449},
}

// MinNumber and MaxNumber bound the service numbers the assistant may refer to.
const (
	MinNumber = 1
	MaxNumber = 7
)

// ValidNumber reports whether n names a catalog service.
func ValidNumber(n int) bool { return n >= MinNumber && n <= MaxNumber }

// ByNumber looks a service up by its spoken number.
func ByNumber(n int) (Service, bool) {
	if !ValidNumber(n) {
		return Service{}, false
	}
	return Services[n-1], true
}

// ByID looks a service up by its stable id.
func ByID(id string) (Service, bool) {
	for _, s := range Services {
		if s.ID == id {
			return s, true
		}
	}
	return Service{}, false
}

// VoiceInstructions is the behavioral prompt sent in the realtime session configuration.
func VoiceInstructions() string {
	var b strings.Builder
	b.WriteString("You are a professional AI assistant for Nexus Platform, specializing in helping clients choose the right professional services.\n\n")
	fmt.Fprintf(&b, "IMPORTANT: The client should choose ONE OR MORE of the following %d services:\n\n", len(Services))
	for _, s := range Services {
		fmt.Fprintf(&b, "SERVICE %d: %s ($%d/month)\n", s.Number, s.Name, s.MonthlyPrice)
		for _, h := range s.Highlights {
			fmt.Fprintf(&b, "   - %s\n", h)
		}
		b.WriteString("\n")
	}
	b.WriteString(`**Your mission:**
1. Ask about their business needs, goals, and current challenges
2. Recommend SPECIFIC services (by number) that best fit their needs
3. Explain WHY each service is suitable
4. If they say they no longer need a service, clearly state "removing service X"
5. Speak naturally and professionally in English
6. Be brief and direct, don't ramble

Examples:
- Add: "I recommend service 1 because you need business strategy guidance."
- Remove: "Understood, removing service 4" or "You don't need service 4"`)
	return b.String()
}

// ChatSystemPrompt is the system message of the turn-based chat assistant.
func ChatSystemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a professional AI assistant for Nexus Platform, specializing in helping clients choose the right professional services for their business needs.\n\nAVAILABLE SERVICES:\n\n")
	for _, s := range Services {
		fmt.Fprintf(&b, "%d. %s ($%d/month)\n", s.Number, strings.ToUpper(s.Name), s.MonthlyPrice)
		fmt.Fprintf(&b, "What it covers: %s.\n\n", strings.Join(s.Highlights, "; "))
	}
	b.WriteString("Respond in a professional, friendly manner. Be clear and concise. Help clients understand which services best fit their needs. Do not use markdown formatting - use plain text with dashes and bullet points for organization.")
	return b.String()
}
