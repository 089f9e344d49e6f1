package service

import (
	"time"

	"github.com/gistbin/gistbin/internal/dto"
)

// Demo gists are served without authentication or persistence so the
// landing page has content before anyone signs up. Their view counts are
// bumped per request for display only.
var demoGists = []dto.GistResponse{
	{
		ID:          "demo-go-1",
		UserID:      "demo",
		OwnerName:   "Demo User",
		Views:       1250,
		Description: "Go Hello World and Basic Functions",
		FileName:    "hello.go",
		Code: `package main

import "fmt"

func greet(name string) string {
	return "Hello, " + name + "!"
}

func main() {
	fmt.Println(greet("World"))

	sum := func(a, b int) int { return a + b }
	fmt.Println("5 + 3 =", sum(5, 3))

	for _, fruit := range []string{"apple", "banana", "orange"} {
		fmt.Printf("I love %ss!\n", fruit)
	}
}`,
		SharedFiles: []dto.SharedFileResponse{},
		Visibility:  "public",
		CreatedAt:   time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	},
	{
		ID:          "demo-python-1",
		UserID:      "demo",
		OwnerName:   "Demo User",
		Views:       890,
		Description: "Python Basics - Variables, Functions, and Loops",
		FileName:    "basics.py",
		Code: `print("Hello, World!")

name = "Python Developer"
favorite_languages = ["Python", "JavaScript", "Go"]

def greet_user(user_name):
    return f"Hello {user_name}!"

print(greet_user(name))

for language in favorite_languages:
    print(f"I enjoy coding in {language}")`,
		SharedFiles: []dto.SharedFileResponse{},
		Visibility:  "public",
		CreatedAt:   time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2024, 1, 14, 0, 0, 0, 0, time.UTC),
	},
	{
		ID:          "demo-js-1",
		UserID:      "demo",
		OwnerName:   "Demo User",
		Views:       675,
		Description: "JavaScript Array Helpers",
		FileName:    "helpers.js",
		Code: `const addNumbers = (a, b) => a + b;

function greetUser(name) {
    return ` + "`Hello, ${name}! Welcome to JavaScript.`" + `;
}

console.log(greetUser("Developer"));
console.log("Sum of 5 + 3 =", addNumbers(5, 3));

["apple", "banana", "orange"].forEach(fruit => console.log(` + "`I love ${fruit}s!`" + `));`,
		SharedFiles: []dto.SharedFileResponse{},
		Visibility:  "public",
		CreatedAt:   time.Date(2024, 1, 13, 0, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2024, 1, 13, 0, 0, 0, 0, time.UTC),
	},
}

func findDemoGist(id string) *dto.GistResponse {
	for i := range demoGists {
		if demoGists[i].ID == id {
			copy := demoGists[i]
			return &copy
		}
	}
	return nil
}
