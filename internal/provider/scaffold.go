package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ScaffoldFile is one file of the starter Vite + React + Tailwind project.
type ScaffoldFile struct {
	Path    string
	Content string
}

type packageManifest struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Type            string            `json:"type"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// allowedHosts lists the host suffixes Vite accepts behind provider proxies.
var allowedHosts = []string{".vercel.run", ".e2b.dev", ".e2b.app", "localhost"}

// Scaffold returns the starter project written by SetupViteApp.
func Scaffold(port int, banner string) []ScaffoldFile {
	manifest := packageManifest{
		Name:    "sandbox-app",
		Version: "1.0.0",
		Type:    "module",
		Scripts: map[string]string{
			"dev":     "vite --host",
			"build":   "vite build",
			"preview": "vite preview",
		},
		Dependencies: map[string]string{
			"react":     "^18.2.0",
			"react-dom": "^18.2.0",
		},
		DevDependencies: map[string]string{
			"@vitejs/plugin-react": "^4.0.0",
			"vite":                 "^4.3.9",
			"tailwindcss":          "^3.3.0",
			"postcss":              "^8.4.31",
			"autoprefixer":         "^10.4.16",
		},
	}
	pkg, _ := json.MarshalIndent(manifest, "", "  ")

	hosts := make([]string, len(allowedHosts))
	for i, h := range allowedHosts {
		hosts[i] = "'" + h + "'"
	}

	viteConfig := fmt.Sprintf(`import { defineConfig } from 'vite'
import react from '@vitejs/plugin-react'

export default defineConfig({
  plugins: [react()],
  server: {
    host: '0.0.0.0',
    port: %d,
    strictPort: true,
    allowedHosts: [%s],
    hmr: {
      clientPort: 443,
      protocol: 'wss'
    }
  }
})
`, port, strings.Join(hosts, ", "))

	return []ScaffoldFile{
		{Path: "package.json", Content: string(pkg) + "\n"},
		{Path: "vite.config.js", Content: viteConfig},
		{Path: "tailwind.config.js", Content: `/** @type {import('tailwindcss').Config} */
export default {
  content: [
    "./index.html",
    "./src/**/*.{js,ts,jsx,tsx}",
  ],
  theme: {
    extend: {},
  },
  plugins: [],
}
`},
		{Path: "postcss.config.js", Content: `export default {
  plugins: {
    tailwindcss: {},
    autoprefixer: {},
  },
}
`},
		{Path: "index.html", Content: `<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>Sandbox App</title>
  </head>
  <body>
    <div id="root"></div>
    <script type="module" src="/src/main.jsx"></script>
  </body>
</html>
`},
		{Path: "src/main.jsx", Content: `import React from 'react'
import ReactDOM from 'react-dom/client'
import App from './App.jsx'
import './index.css'

ReactDOM.createRoot(document.getElementById('root')).render(
  <React.StrictMode>
    <App />
  </React.StrictMode>,
)
`},
		{Path: "src/App.jsx", Content: fmt.Sprintf(`function App() {
  return (
    <div className="min-h-screen bg-gray-900 text-white flex items-center justify-center p-4">
      <div className="text-center max-w-2xl">
        <p className="text-lg text-gray-400">
          %s<br/>
          Start building your React app with Vite and Tailwind CSS!
        </p>
      </div>
    </div>
  )
}

export default App
`, banner)},
		{Path: "src/index.css", Content: `@tailwind base;
@tailwind components;
@tailwind utilities;

body {
  font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, sans-serif;
  background-color: rgb(17 24 39);
}
`},
	}
}
