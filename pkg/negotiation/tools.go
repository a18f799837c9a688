package negotiation

// Tool declarations sent as the tools field of each backend request, in the
// Vertex AI generateContent schema so the model can use native function
// calling.

func gatekeeperTools() []map[string]any {
	return []map[string]any{
		toolsObject(
			function("grantAccess",
				"Open the hidden app for the user. Call this when you decide to let them use it.",
				nil),
		),
	}
}

func nudgeTools() []map[string]any {
	return []map[string]any{
		toolsObject(
			function("grantExtension",
				"Grant the user extra time on their current app. Call this when they give a good reason for needing more time.",
				map[string]any{
					"type": "OBJECT",
					"properties": map[string]any{
						"minutes": map[string]any{
							"type":        "INTEGER",
							"description": "Number of extra minutes to grant, typically 5 to 15",
						},
					},
					"required": []string{"minutes"},
				}),
		),
	}
}

func generalChatTools() []map[string]any {
	return []map[string]any{
		toolsObject(
			function("launchApp",
				"Launch an app on the user's phone. Use the exact package name from the hidden apps briefing, or a well-known Android package name.",
				map[string]any{
					"type": "OBJECT",
					"properties": map[string]any{
						"packageName": map[string]any{
							"type":        "STRING",
							"description": "The Android package name of the app, e.g. com.instagram.android",
						},
					},
					"required": []string{"packageName"},
				}),
		),
	}
}

func function(name, description string, parameters map[string]any) map[string]any {
	fn := map[string]any{
		"name":        name,
		"description": description,
	}
	if parameters != nil {
		fn["parameters"] = parameters
	}
	return fn
}

func toolsObject(functions ...map[string]any) map[string]any {
	decls := make([]any, 0, len(functions))
	for _, fn := range functions {
		decls = append(decls, fn)
	}
	return map[string]any{"functionDeclarations": decls}
}
