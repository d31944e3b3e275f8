package gateway

import (
	"html/template"
	"net/http"
)

const notFoundPage = `<html><body><h1>Channel Not Found</h1><p>The requested channel does not exist or has expired.</p></body></html>`

type pageData struct {
	ID          string
	Name        string
	RequireAuth bool
}

var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Name}}</title>
<style>
body { font-family: sans-serif; max-width: 420px; margin: 60px auto; padding: 0 16px; }
input, button { width: 100%; padding: 10px; margin: 6px 0; box-sizing: border-box; }
#error { color: #b00020; }
</style>
</head>
<body>
<h2>{{.Name}}</h2>
<form id="login">
<input id="userName" placeholder="Your name" autocomplete="name">
{{if .RequireAuth}}<input id="password" type="password" placeholder="Channel password">{{end}}
<button type="submit">Join</button>
<p id="error"></p>
</form>
<script>
document.getElementById("login").addEventListener("submit", async function (e) {
  e.preventDefault();
  const userName = document.getElementById("userName").value;
  const pw = document.getElementById("password");
  const password = pw ? pw.value : "";
  const res = await fetch("/channel/{{.ID}}/auth", {
    method: "POST",
    headers: {"Content-Type": "application/json"},
    body: JSON.stringify({userName: userName, password: password})
  });
  const body = await res.json();
  if (!body.success) {
    document.getElementById("error").textContent = body.message;
    return;
  }
  sessionStorage.setItem("userName", userName);
  sessionStorage.setItem("password", password);
  location.href = "/channel/{{.ID}}/chat";
});
</script>
</body>
</html>
`))

var chatPage = template.Must(template.New("chat").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Name}}</title>
<style>
body { font-family: sans-serif; max-width: 640px; margin: 20px auto; padding: 0 16px; }
#log { border: 1px solid #ccc; height: 60vh; overflow-y: auto; padding: 8px; }
.entry { margin: 4px 0; }
.sender { font-weight: bold; }
form { display: flex; gap: 8px; margin-top: 8px; }
input { flex: 1; padding: 10px; }
</style>
</head>
<body>
<h2>{{.Name}}</h2>
<div id="log"></div>
<form id="compose">
<input id="message" placeholder="Message" autocomplete="off">
<button type="submit">Send</button>
</form>
<script>
const base = "/channel/{{.ID}}";
let cursor = 0;

function render(entry) {
  const row = document.createElement("div");
  row.className = "entry";
  const who = document.createElement("span");
  who.className = "sender";
  who.textContent = entry.sender + ": ";
  const text = document.createElement("span");
  text.textContent = entry.content;
  row.appendChild(who);
  row.appendChild(text);
  document.getElementById("log").appendChild(row);
}

async function poll() {
  try {
    const res = await fetch(base + "/messages?since=" + cursor);
    const body = await res.json();
    if (!body.success) return;
    for (const entry of body.messages) {
      if (entry.id > cursor) {
        render(entry);
        cursor = entry.id;
      }
    }
  } catch (e) {}
}

document.getElementById("compose").addEventListener("submit", async function (e) {
  e.preventDefault();
  const input = document.getElementById("message");
  const message = input.value;
  if (!message.trim()) return;
  const res = await fetch(base + "/send", {
    method: "POST",
    headers: {"Content-Type": "application/json"},
    body: JSON.stringify({
      sender: sessionStorage.getItem("userName") || "",
      password: sessionStorage.getItem("password") || "",
      message: message
    })
  });
  const body = await res.json();
  if (body.success) {
    input.value = "";
    poll();
  } else {
    alert(body.message);
  }
});

poll();
setInterval(poll, 2000);
</script>
</body>
</html>
`))

func renderPage(w http.ResponseWriter, page *template.Template, channel *Channel) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := page.Execute(w, pageData{
		ID:          channel.ID,
		Name:        channel.Name,
		RequireAuth: channel.Config.RequireAuth,
	}); err != nil {
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
	}
}
