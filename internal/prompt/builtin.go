package prompt

// builtinPolicies maps policy filename to content. These are the default
// stage policies; users can edit installed copies under ~/.sdlc/policies/
// or point the config at replacements.
var builtinPolicies = map[string]string{
	"epic-stories.md":           epicStoriesPolicy,
	"implementation.md":         implementationPolicy,
	"unit-tests-plan.md":        unitTestsPlanPolicy,
	"unit-tests-code.md":        unitTestsCodePolicy,
	"integration-tests-plan.md": integrationTestsPlanPolicy,
	"integration-tests-code.md": integrationTestsCodePolicy,
	"fix.md":                    fixPolicy,
}

const epicStoriesPolicy = `# Derive Epics and Stories from the BRD

> **Do not invoke any skills or slash commands** (e.g. /commit, or any /command). Use only built-in tools.

## Business Requirements Document

{{brd}}

## Your Task

Break this BRD into Epics and user Stories a development team can execute.

1. Identify the major functional areas — each becomes an Epic with a title
   and a one-paragraph description.
2. Under each Epic, write Stories in the form "As a <role>, I want <capability>
   so that <benefit>", each with concrete acceptance criteria and a priority
   of High, Medium, or Low.
3. Stories must be small enough to implement and test independently. Split
   anything that needs more than a few days of work.
4. Do not invent requirements that are not in the BRD. If the BRD is silent
   on something essential, state the assumption explicitly in the story
   description.

## Required Output

Write exactly these two files and nothing else:

1. ` + "`sdlc-artifacts/epic-stories/epics-and-stories.md`" + ` — the human-readable
   breakdown: every Epic as a section, its Stories beneath it with their
   acceptance criteria and priorities.
2. ` + "`sdlc-artifacts/epic-stories/stories.json`" + ` — the same content in this
   exact shape:

` + "```" + `json
{
  "epics": [
    {
      "title": "string",
      "description": "string",
      "stories": [
        {
          "title": "string",
          "description": "string with acceptance criteria",
          "priority": "High|Medium|Low"
        }
      ]
    }
  ]
}
` + "```" + `

Do not create tracker issues, branches, or commits. Do not modify any source
file in this workspace.
`

const implementationPolicy = `# Implement Story: {{story_title}}

> **Do not invoke any skills or slash commands** (e.g. /commit, or any /command). Use only built-in tools.

## Story {{story_key}}

{{story_description}}

{{#if epic_title}}
Parent epic: {{epic_title}}
{{/if}}

## Instructions

1. Read the relevant code to understand the current state before changing
   anything.
2. Implement exactly this story — no more, no less. Resist improving adjacent
   code that the story does not touch.
3. Follow the conventions already present in this workspace: naming, error
   handling, file layout, test placement.
4. Handle error paths, not just the happy path.
5. Do not run git commands. The workflow commits and pushes for you after
   you finish.

## Required Output

In addition to the source changes, write
` + "`sdlc-artifacts/implementation/implementation-summary.md`" + ` describing:
- what was implemented, file by file
- design decisions made and why
- anything deliberately left out of scope, and what the acceptance criteria
  still need from later stages
`

const unitTestsPlanPolicy = `# Unit Test Plan: {{story_title}}

> **Do not invoke any skills or slash commands** (e.g. /commit, or any /command). Use only built-in tools.

## Story {{story_key}}

{{story_description}}

{{#if implementation_summary}}
## Implementation Summary

{{implementation_summary}}
{{/if}}

## Instructions

Design — do not write — the unit tests for this story's implementation.

1. Read the implemented code paths first.
2. For each public function or method the story touched, enumerate the test
   cases: normal inputs, boundary values, error paths, and any invariants
   the code must hold.
3. Name the test file each case will live in, following this workspace's
   existing test layout.
4. Keep cases independent of network, databases, and the filesystem except
   through the seams the code already exposes.

## Required Output

Write exactly one file: ` + "`sdlc-artifacts/unit-tests/unit-test-plan.md`" + `.
For every planned case include: the target function, the scenario, the
inputs, and the expected outcome. A reviewer will approve or reject this
plan before any test code is written.

Do not write or modify any test or source file in this phase.
`

const unitTestsCodePolicy = `# Write Unit Tests from the Approved Plan

> **Do not invoke any skills or slash commands** (e.g. /commit, or any /command). Use only built-in tools.

## Story {{story_key}}: {{story_title}}

## Approved Test Plan

{{plan}}

## Instructions

1. Implement every case in the approved plan above — no additions, no
   omissions. The plan has been reviewed; it is the contract.
2. Place tests in the files the plan names, in the test style this
   workspace already uses.
3. Do not modify production code. If writing a test reveals a bug, write
   the test to assert the correct behavior and record the discrepancy in
   the summary file instead of patching the code.
4. Do not run git commands. The workflow commits and pushes for you.

## Required Output

In addition to the test files, write
` + "`sdlc-artifacts/unit-tests/unit-test-summary.md`" + ` listing each implemented
case, the file it lives in, and any discrepancies found against the plan.
`

const integrationTestsPlanPolicy = `# Integration Test Plan: {{story_title}}

> **Do not invoke any skills or slash commands** (e.g. /commit, or any /command). Use only built-in tools.

## Story {{story_key}}

{{story_description}}

{{#if implementation_summary}}
## Implementation Summary

{{implementation_summary}}
{{/if}}

{{#if unit_test_summary}}
## Unit Test Summary

{{unit_test_summary}}
{{/if}}

## Instructions

Design — do not write — the integration tests for this story.

1. Identify the component boundaries the story crosses: modules talking to
   each other, persistence, external processes, transport.
2. Plan tests that exercise those boundaries with real wiring on our side
   of the edge. Fake only what leaves the system.
3. Cover the failure modes between components, not just successful flows:
   unavailable dependencies, malformed payloads, partial writes.
4. Do not re-plan cases the unit test plan already covers.

## Required Output

Write exactly one file:
` + "`sdlc-artifacts/integration-tests/integration-test-plan.md`" + ` with the same
per-case detail as a unit test plan: target interaction, scenario, setup,
expected outcome. A reviewer gates this plan before any code is written.

Do not write or modify any test or source file in this phase.
`

const integrationTestsCodePolicy = `# Write Integration Tests from the Approved Plan

> **Do not invoke any skills or slash commands** (e.g. /commit, or any /command). Use only built-in tools.

## Story {{story_key}}: {{story_title}}

## Approved Test Plan

{{plan}}

## Instructions

1. Implement every case in the approved plan above — no additions, no
   omissions.
2. Use this workspace's existing integration test conventions for setup and
   teardown. Tests must leave no state behind.
3. Do not modify production code. Record any bug a test exposes in the
   summary file.
4. Do not run git commands. The workflow commits and pushes for you.

## Required Output

In addition to the test files, write
` + "`sdlc-artifacts/integration-tests/integration-test-summary.md`" + ` listing each
implemented case, the file it lives in, and any discrepancies found against
the plan.
`

const fixPolicy = `# Fix Failing Tests (attempt {{attempt}} of {{max_attempts}})

> **Do not invoke any skills or slash commands** (e.g. /commit, or any /command). Use only built-in tools.

## Story {{story_key}}

The test run failed. Full output:

` + "```" + `
{{test_output}}
` + "```" + `

## Instructions

1. Read the failure output and find the root cause. The bug may be in
   production code or in a test — determine which before editing anything.
2. Make the smallest change that makes the failing tests pass for the right
   reason.
3. **Never** skip, disable, comment out, or delete a failing test to get a
   green run. A deleted or silenced test is treated as a failed attempt.
4. Do not weaken an assertion unless the assertion itself is provably wrong,
   and say so in a code comment if you do.
5. Do not run git commands. The workflow commits your fix and re-runs the
   tests.
`
