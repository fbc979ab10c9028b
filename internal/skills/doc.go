// ABOUTME: Package documentation for the skill injection system.
// ABOUTME: Describes matching rules, confidence scoring, and enhancement flow.

// Package skills routes user input to declarative per-tenant skills and
// turns their capability calls into context enhancements.
//
// A skill matches input when at least one of its keywords appears in the
// lowercased text, every declared context key is present in the supplied
// context, and the conversation stage is among the skill's allowed stages.
// Matching is deterministic: the same input, context, and stage always yield
// the same priority-ordered list.
//
// Execution never surfaces an error to the caller. Each run produces a
// SkillExecution with a confidence score; successful runs also record a
// ContextEnhancement that EnhancedContext bundles for prompt assembly during
// the following hour.
package skills
